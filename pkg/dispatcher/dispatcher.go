package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stackwave/helmsman/pkg/log"
	"github.com/stackwave/helmsman/pkg/metrics"
	"github.com/stackwave/helmsman/pkg/storage"
	"github.com/stackwave/helmsman/pkg/types"
)

const (
	// DefaultSweepInterval is how often the durability backstop picks up
	// anything PENDING, regardless of notification delivery.
	DefaultSweepInterval = time.Minute

	// DefaultMaintenanceInterval is how often stuck IN_PROGRESS tasks are
	// checked for staleness.
	DefaultMaintenanceInterval = 10 * time.Minute

	// DefaultStaleAfter fails IN_PROGRESS tasks untouched for this long.
	// Twice the longest remote provisioning timeout in use.
	DefaultStaleAfter = 30 * time.Minute
)

// Handler executes one task to a terminal state. The handler owns the
// DONE/ERROR transition; an error escaping Execute is the dispatcher's
// last-resort signal to fail the task itself.
type Handler interface {
	Execute(ctx context.Context, task *types.Task) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *types.Task) error

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, task *types.Task) error {
	return f(ctx, task)
}

// Dispatcher is the only component that moves tasks out of PENDING and the
// only one that decides which workflow handler runs. It enforces at most one
// in-flight execution per task id.
type Dispatcher struct {
	store    storage.Store
	handlers map[types.TaskType]Handler

	mu       sync.Mutex
	inFlight map[string]struct{}

	sweepInterval       time.Duration
	maintenanceInterval time.Duration
	staleAfter          time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config holds dispatcher tuning.
type Config struct {
	SweepInterval       time.Duration
	MaintenanceInterval time.Duration
	StaleAfter          time.Duration
}

// New creates a dispatcher over the given store. Handlers are registered
// before Start.
func New(store storage.Store, cfg Config) *Dispatcher {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Dispatcher{
		store:               store,
		handlers:            make(map[types.TaskType]Handler),
		inFlight:            make(map[string]struct{}),
		sweepInterval:       cfg.SweepInterval,
		maintenanceInterval: cfg.MaintenanceInterval,
		staleAfter:          cfg.StaleAfter,
		stopCh:              make(chan struct{}),
	}
}

// Register binds a task type to its handler. Registering all members of
// types.AllTaskTypes is the caller's responsibility; an unregistered type
// fails its tasks with a diagnostic entry rather than silently skipping.
func (d *Dispatcher) Register(taskType types.TaskType, handler Handler) {
	d.handlers[taskType] = handler
}

// Start begins the periodic pending sweep and the maintenance sweep.
func (d *Dispatcher) Start() {
	d.wg.Add(2)
	go d.runPendingSweep()
	go d.runMaintenanceSweep()
}

// Stop halts the loops and waits for in-flight handlers to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// HandleNewTaskNotification is wired as the bus new-task callback: it
// short-circuits the periodic sweep for one specific task id.
func (d *Dispatcher) HandleNewTaskNotification(taskID string) {
	if err := d.ProcessPendingTasks(context.Background(), taskID); err != nil {
		wlog := log.WithComponent("dispatcher")
		wlog.Error().Err(err).Str("task_id", taskID).Msg("notified task dispatch failed")
	}
}

// ProcessPendingTasks dispatches PENDING work. With a task id it loads that
// single task and proceeds only if it is still PENDING (the task may have
// been picked up between notification and this call); with an empty id it
// sweeps every PENDING task in creation order. A failure to dispatch one
// candidate never prevents the rest of the batch from running.
func (d *Dispatcher) ProcessPendingTasks(ctx context.Context, taskID string) error {
	logger := log.WithComponent("dispatcher")

	if taskID != "" {
		task, err := d.store.GetTask(taskID)
		if err != nil {
			return fmt.Errorf("load task %s: %w", taskID, err)
		}
		if task.Status != types.TaskStatusPending {
			logger.Debug().Str("task_id", taskID).Str("status", string(task.Status)).Msg("skipping non-pending task")
			return nil
		}
		d.dispatch(ctx, task)
		return nil
	}

	tasks, err := d.store.ListTasksByStatus(types.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}
	for _, task := range tasks {
		d.dispatch(ctx, task)
	}
	return nil
}

// dispatch runs one task through its handler under the single-flight guard.
// If another execution already holds the task id, the candidate is skipped;
// the guard is released regardless of outcome.
func (d *Dispatcher) dispatch(ctx context.Context, task *types.Task) {
	if !d.tryAcquire(task.ID) {
		return
	}

	metrics.TasksInFlight.Inc()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer metrics.TasksInFlight.Dec()
		defer d.release(task.ID)
		d.execute(ctx, task)
	}()
}

func (d *Dispatcher) execute(ctx context.Context, task *types.Task) {
	logger := log.WithTaskID(task.ID)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchDuration)

	// Last-resort net: a panicking handler must not take the sweep loop
	// down, and its task must not stay IN_PROGRESS forever.
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("panic", r).Msg("handler panicked")
			d.failTask(task, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	handler, ok := d.handlers[task.Type]
	if !ok {
		logger.Error().Str("type", string(task.Type)).Msg("no handler for task type")
		d.failTask(task, fmt.Sprintf("unknown task type %q", task.Type))
		return
	}

	task.Status = types.TaskStatusInProgress
	task.Append(types.PayloadEntry{Type: "status", Step: string(types.TaskStatusInProgress)})
	if err := d.store.UpdateTask(task); err != nil {
		logger.Error().Err(err).Msg("failed to mark task in progress")
		return
	}

	metrics.TasksDispatchedTotal.WithLabelValues(string(task.Type)).Inc()
	logger.Info().Str("type", string(task.Type)).Msg("dispatching task")

	err := handler.Execute(ctx, task)

	// Handlers finish their own task row. Anything that escapes here is a
	// handler bug or an unrecoverable store failure.
	if err != nil && !task.Status.Terminal() {
		logger.Error().Err(err).Msg("handler error escaped without terminal status")
		d.failTask(task, err.Error())
		return
	}
	if err == nil && !task.Status.Terminal() {
		logger.Warn().Msg("handler returned without terminal status")
		d.failTask(task, "handler returned without finishing the task")
		return
	}
	metrics.TasksCompletedTotal.WithLabelValues(string(task.Type), string(task.Status)).Inc()
}

// failTask writes a terminal ERROR with a diagnostic payload entry. Used by
// the safety net and the maintenance sweep; never overwrites DONE.
func (d *Dispatcher) failTask(task *types.Task, message string) {
	if task.Status.Terminal() {
		return
	}
	task.Status = types.TaskStatusError
	task.Append(types.PayloadEntry{
		Type:      "status",
		Step:      string(types.TaskStatusError),
		Component: "dispatcher",
		Message:   message,
	})
	if err := d.store.UpdateTask(task); err != nil {
		wlog := log.WithTaskID(task.ID)
		wlog.Error().Err(err).Msg("failed to record task error")
	}
	metrics.TasksCompletedTotal.WithLabelValues(string(task.Type), string(types.TaskStatusError)).Inc()
}

func (d *Dispatcher) tryAcquire(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.inFlight[taskID]; held {
		return false
	}
	d.inFlight[taskID] = struct{}{}
	return true
}

func (d *Dispatcher) release(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, taskID)
}

// held reports whether the single-flight guard currently owns the id.
func (d *Dispatcher) held(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[taskID]
	return ok
}

func (d *Dispatcher) runPendingSweep() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.ProcessPendingTasks(context.Background(), ""); err != nil {
				wlog := log.WithComponent("dispatcher")
				wlog.Error().Err(err).Msg("pending sweep failed")
			}
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) runMaintenanceSweep() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.sweepStale(); err != nil {
				wlog := log.WithComponent("dispatcher")
				wlog.Error().Err(err).Msg("maintenance sweep failed")
			}
		case <-d.stopCh:
			return
		}
	}
}

// sweepStale fails IN_PROGRESS tasks untouched past the staleness
// threshold. Those are crashes: either this process died mid-handler on a
// previous run, or a remote host never came back. Tasks currently held by
// the single-flight guard belong to a live handler and are left alone.
func (d *Dispatcher) sweepStale() error {
	tasks, err := d.store.ListTasksByStatus(types.TaskStatusInProgress)
	if err != nil {
		return fmt.Errorf("list in-progress tasks: %w", err)
	}

	cutoff := time.Now().Add(-d.staleAfter)
	for _, task := range tasks {
		if d.held(task.ID) {
			continue
		}
		if task.UpdatedAt.After(cutoff) {
			continue
		}
		wlog := log.WithTaskID(task.ID)
		wlog.Warn().
			Time("updated_at", task.UpdatedAt).
			Msg("failing stale in-progress task")
		d.failTask(task, fmt.Sprintf("stale: no progress since %s", task.UpdatedAt.Format(time.RFC3339)))
		metrics.TasksStaleTotal.Inc()
	}
	return nil
}
