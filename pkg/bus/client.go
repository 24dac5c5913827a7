package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stackwave/helmsman/pkg/log"
	"github.com/stackwave/helmsman/pkg/metrics"
)

const (
	// DefaultRequestTimeout bounds a request that names no explicit
	// timeout.
	DefaultRequestTimeout = 3 * time.Second

	// CollectWindow is the fixed fan-in gathering window.
	CollectWindow = 3 * time.Second

	// queryTarget tags every outbound request so agents know which
	// control-plane role asked.
	queryTarget = "taskmanager"
)

// Remote status codes. Anything other than StatusOK in a reply is a remote
// application error.
const (
	StatusOK        = 200
	StatusMalformed = 598 // reply body did not parse; synthesized locally
)

// ErrTimeout is returned when no reply arrives within a request's window.
var ErrTimeout = errors.New("remote call timed out")

// RemoteError carries a remote agent's non-200 reply.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Response is the reply envelope agents publish on respond subjects.
type Response struct {
	Status  int             `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Config holds client configuration.
type Config struct {
	Namespace      string        // subject namespace, e.g. "helmsman"
	RequestTimeout time.Duration // zero means DefaultRequestTimeout
}

// Handlers are the subject-prefix callbacks for inbound messages that no
// correlation entry claims.
type Handlers struct {
	NewTask    func(taskID string)
	Alert      func(kind string)
	LeaseQuery func(payload []byte)
}

// Client turns the fire-and-forget transport into synchronous-looking
// remote calls plus fan-in collection, and exposes the one-way progress
// stream. All methods are safe for concurrent use.
type Client struct {
	transport     Transport
	subjects      subjects
	registry      *registry
	cfg           Config
	handlers      Handlers
	unsubs        []func() error
	collectWindow time.Duration
}

// NewClient wraps a connected transport. Start must be called before any
// request is issued.
func NewClient(transport Transport, cfg Config, handlers Handlers) *Client {
	if cfg.Namespace == "" {
		cfg.Namespace = "helmsman"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Client{
		transport:     transport,
		subjects:      subjects{ns: cfg.Namespace},
		registry:      newRegistry(),
		cfg:           cfg,
		handlers:      handlers,
		collectWindow: CollectWindow,
	}
}

// Start subscribes the inbound subjects: agent replies, new-task
// notifications, alerts, and DHCP lease queries.
func (c *Client) Start() error {
	subs := []struct {
		subject string
		handler MsgHandler
	}{
		{c.subjects.respondWildcard(), c.dispatchRespond},
		{c.subjects.newTaskWildcard(), c.dispatchNewTask},
		{c.subjects.alertWildcard(), c.dispatchAlert},
		{c.subjects.leaseQuery(), c.dispatchLeaseQuery},
	}
	for _, s := range subs {
		unsub, err := c.transport.Subscribe(s.subject, s.handler)
		if err != nil {
			c.Stop()
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		c.unsubs = append(c.unsubs, unsub)
	}
	return nil
}

// Stop drops all subscriptions. The transport is owned by the caller and
// closed separately.
func (c *Client) Stop() {
	for _, unsub := range c.unsubs {
		if err := unsub(); err != nil {
			wlog := log.WithComponent("bus")
			wlog.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
	c.unsubs = nil
}

// Online reports transport connectivity. Observability only; requests on a
// dropped connection resolve through their timeouts.
func (c *Client) Online() bool {
	return c.transport.Connected()
}

// Request publishes a request to one target host and waits for the matching
// reply or the timeout, whichever comes first. Exactly one of the two
// happens; the pending registry entry is removed on either path. A reply
// with a non-200 status is returned as a *RemoteError.
func (c *Client) Request(ctx context.Context, targetHost, task string, payload any, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	corr := newCorrelationID()
	p := c.registry.addRespond(corr)
	metrics.BusRequestsInFlight.Inc()
	defer metrics.BusRequestsInFlight.Dec()

	data, err := encodeRequest(payload)
	if err != nil {
		c.registry.remove(corr)
		return nil, fmt.Errorf("encode request %s: %w", task, err)
	}

	if err := c.transport.Publish(c.subjects.query(targetHost, task, corr), data); err != nil {
		c.registry.remove(corr)
		return nil, fmt.Errorf("publish %s to %s: %w", task, targetHost, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.ch:
		return checkResponse(task, resp)

	case <-timer.C:
		if c.registry.remove(corr) {
			metrics.BusTimeoutsTotal.Inc()
			return nil, fmt.Errorf("%s on %s after %v: %w", task, targetHost, timeout, ErrTimeout)
		}
		// The reply won the race against the timer; it is already in
		// the buffered channel.
		return checkResponse(task, <-p.ch)

	case <-ctx.Done():
		c.registry.remove(corr)
		return nil, ctx.Err()
	}
}

// Collect broadcasts a request and gathers every reply tagged with its
// correlation id for the fixed collection window. It never fails on silence:
// zero responders yield an empty slice.
func (c *Client) Collect(ctx context.Context, task string, payload any) ([]json.RawMessage, error) {
	corr := newCorrelationID()
	c.registry.addCollect(corr)

	data, err := encodeRequest(payload)
	if err != nil {
		c.registry.takeCollected(corr)
		return nil, fmt.Errorf("encode collect %s: %w", task, err)
	}

	if err := c.transport.Publish(c.subjects.query(BroadcastTarget, task, corr), data); err != nil {
		c.registry.takeCollected(corr)
		return nil, fmt.Errorf("publish collect %s: %w", task, err)
	}

	timer := time.NewTimer(c.collectWindow)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		c.registry.takeCollected(corr)
		return nil, ctx.Err()
	}

	return c.registry.takeCollected(corr), nil
}

// LogEvent publishes one progress-stream entry for a client session.
// Best-effort: publish errors are logged and dropped, never load-bearing.
func (c *Client) LogEvent(session, level, value string) {
	if session == "" {
		return
	}
	data, _ := json.Marshal(map[string]string{"value": value})
	if err := c.transport.Publish(c.subjects.event(level, session), data); err != nil {
		wlog := log.WithComponent("bus")
		wlog.Debug().Err(err).Str("session", session).Msg("progress event dropped")
	}
}

// CloseEventStream publishes the completion marker for a session.
func (c *Client) CloseEventStream(session string) {
	if session == "" {
		return
	}
	if err := c.transport.Publish(c.subjects.eventDone(session), nil); err != nil {
		wlog := log.WithComponent("bus")
		wlog.Debug().Err(err).Str("session", session).Msg("stream close dropped")
	}
}

// Alert fires a broadcast of the given kind. No payload, no acknowledgement.
func (c *Client) Alert(kind string) {
	if err := c.transport.Publish(c.subjects.alert(kind), nil); err != nil {
		wlog := log.WithComponent("bus")
		wlog.Warn().Err(err).Str("kind", kind).Msg("alert dropped")
	}
}

// NotifyNewTask publishes the low-latency pickup notification for a freshly
// created task.
func (c *Client) NotifyNewTask(taskID string) {
	if err := c.transport.Publish(c.subjects.newTask(taskID), nil); err != nil {
		wlog := log.WithComponent("bus")
		wlog.Warn().Err(err).Str("task_id", taskID).Msg("new-task notify dropped")
	}
}

// GrantLease answers an agent's lease query with the allocated address, or
// with an error message when the pool is exhausted.
func (c *Client) GrantLease(requester, ip, errMsg string) {
	payload := map[string]string{}
	if ip != "" {
		payload["ip"] = ip
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	data, _ := json.Marshal(payload)
	if err := c.transport.Publish(c.subjects.leaseGrant(requester), data); err != nil {
		wlog := log.WithComponent("bus")
		wlog.Warn().Err(err).Str("requester", requester).Msg("lease grant dropped")
	}
}

// dispatchRespond offers an agent reply to the correlation registry.
// Unmatched replies (late, after a timeout already resolved the call) are
// dropped without side effects.
func (c *Client) dispatchRespond(subject string, data []byte) {
	corr, ok := c.subjects.correlationID(subject)
	if !ok {
		return
	}
	if !c.registry.offer(corr, data) {
		wlog := log.WithComponent("bus")
		wlog.Debug().Str("subject", subject).Msg("late reply dropped")
	}
}

func (c *Client) dispatchNewTask(subject string, data []byte) {
	if c.handlers.NewTask != nil {
		c.handlers.NewTask(lastToken(subject))
	}
}

func (c *Client) dispatchAlert(subject string, data []byte) {
	if c.handlers.Alert != nil {
		c.handlers.Alert(lastToken(subject))
	}
}

func (c *Client) dispatchLeaseQuery(subject string, data []byte) {
	if c.handlers.LeaseQuery != nil {
		c.handlers.LeaseQuery(data)
	}
}

// encodeRequest marshals a payload and stamps the queryTarget tag agents
// route their reply with.
func encodeRequest(payload any) ([]byte, error) {
	fields := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("request payload must be an object: %w", err)
		}
	}
	fields["queryTarget"] = queryTarget
	return json.Marshal(fields)
}

func checkResponse(task string, resp Response) (*Response, error) {
	if resp.Status != StatusOK {
		return nil, fmt.Errorf("%s: %w", task, &RemoteError{Code: resp.Status, Message: resp.Message})
	}
	return &resp, nil
}
