package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stackwave/helmsman/pkg/dispatcher"
	"github.com/stackwave/helmsman/pkg/log"
	"github.com/stackwave/helmsman/pkg/proxyconf"
	"github.com/stackwave/helmsman/pkg/storage"
	"github.com/stackwave/helmsman/pkg/types"
)

// ErrOutOfResources is returned when no host clears the free-memory floor
// during scale-up candidate selection.
var ErrOutOfResources = errors.New("no host with sufficient free resources")

// Agent is the remote side-effect surface. Every physical action — VM
// lifecycle, Kubernetes manipulation, volume plumbing, image builds — is a
// correlated bus call executed by an agent on the target host. Implemented
// by Remote; tests substitute a fake.
type Agent interface {
	CollectInventory(ctx context.Context, role string) ([]types.HostInventory, error)

	ProvisionMaster(ctx context.Context, hostIP string, node *types.Node) error
	ProvisionWorker(ctx context.Context, hostIP string, node *types.Node) error
	DeprovisionVM(ctx context.Context, hostIP, nodeHash string) error
	DetachNode(ctx context.Context, masterIP, nodeHash string) error
	TaintMaster(ctx context.Context, masterIP string) error
	UntaintMaster(ctx context.Context, masterIP string) error

	CreateGlusterVolume(ctx context.Context, volume *types.Volume) error
	DeleteGlusterVolume(ctx context.Context, volume *types.Volume) error
	MountGlusterVolume(ctx context.Context, nodeIP string, volume *types.Volume) error
	UnmountGlusterVolume(ctx context.Context, nodeIP string, volume *types.Volume) error
	AttachLocalDevice(ctx context.Context, hostIP, nodeHash string, volume *types.Volume, portIndex int) error
	DetachLocalDevice(ctx context.Context, hostIP, nodeHash string, volume *types.Volume) error
	MountLocalVolume(ctx context.Context, nodeIP string, volume *types.Volume) error
	UnmountLocalVolume(ctx context.Context, nodeIP string, volume *types.Volume) error
	DeleteLocalVolumeDir(ctx context.Context, nodeIP string, volume *types.Volume) error
	ListLocalStoragePVs(ctx context.Context, masterIP string) ([]PersistentVolumeSpec, error)
	CreatePVDir(ctx context.Context, nodeIP string, pv PersistentVolumeSpec) error

	InstallChart(ctx context.Context, masterIP string, service *types.Service) error
	UninstallChart(ctx context.Context, masterIP string, service *types.Service) error

	BuildImage(ctx context.Context, masterIP string, app *types.Application, version, image string) error
	DeleteImage(ctx context.Context, masterIP string, image string) error
	DeployWorkload(ctx context.Context, masterIP string, v *types.ApplicationVersion) error
	RemoveWorkload(ctx context.Context, masterIP string, v *types.ApplicationVersion) error
}

// ProgressSink is the one-way progress stream plus alert broadcast.
// Implemented by the bus client; never load-bearing for correctness.
type ProgressSink interface {
	LogEvent(session, level, value string)
	CloseEventStream(session string)
	Alert(kind string)
}

// Proxy is the external reverse-proxy configuration collaborator, with the
// transactional apply/restore contract.
type Proxy interface {
	Apply(ctx context.Context, state proxyconf.State) (backup string, err error)
	Restore(ctx context.Context, backup string) error
}

// LeasePool hands out cluster-member IP addresses.
type LeasePool interface {
	Lease() (string, error)
	Return(ctx context.Context, ip string)
}

// Engine holds the workflow handlers' shared dependencies. One Engine
// serves all task types; individual handlers are methods registered with
// the dispatcher via Register.
type Engine struct {
	store    storage.Store
	agent    Agent
	progress ProgressSink
	proxy    Proxy
	leases   LeasePool
}

// New constructs the engine.
func New(store storage.Store, agent Agent, progress ProgressSink, proxy Proxy, leases LeasePool) *Engine {
	return &Engine{
		store:    store,
		agent:    agent,
		progress: progress,
		proxy:    proxy,
		leases:   leases,
	}
}

// Register wires every task type to its handler. The set is closed; the
// dispatcher fails tasks of any type missing here.
func (e *Engine) Register(d *dispatcher.Dispatcher) {
	handlers := map[types.TaskType]dispatcher.HandlerFunc{
		types.TaskCreateCluster:         e.CreateCluster,
		types.TaskUpdateCluster:         e.UpdateCluster,
		types.TaskDeprovisionWorkspace:  e.DeprovisionWorkspace,
		types.TaskProvisionVolume:       e.ProvisionVolume,
		types.TaskDeprovisionVolume:     e.DeprovisionVolume,
		types.TaskBindVolume:            e.BindVolume,
		types.TaskUnbindVolume:          e.UnbindVolume,
		types.TaskProvisionService:      e.ProvisionService,
		types.TaskDeprovisionService:    e.DeprovisionService,
		types.TaskDeployImage:           e.DeployImage,
		types.TaskDeleteImage:           e.DeleteImage,
		types.TaskProvisionApp:          e.ProvisionApplication,
		types.TaskDeprovisionApp:        e.DeprovisionApplication,
		types.TaskReplaceApp:            e.ReplaceApplication,
		types.TaskCanaryApp:             e.CanaryApplication,
		types.TaskProvisionAppVersion:   e.ProvisionApplicationVersion,
		types.TaskDeprovisionAppVersion: e.DeprovisionApplicationVersion,
	}
	for taskType, handler := range handlers {
		d.Register(taskType, handler)
	}
}

// reporter streams human-readable progress for one task's session.
type reporter struct {
	sink    ProgressSink
	session string
	logger  zerolog.Logger
}

func (e *Engine) reporterFor(task *types.Task) *reporter {
	return &reporter{
		sink:    e.progress,
		session: task.SessionID(),
		logger:  log.WithTaskID(task.ID),
	}
}

func (r *reporter) Info(msg string) {
	r.logger.Info().Msg(msg)
	r.sink.LogEvent(r.session, "info", msg)
}

func (r *reporter) Error(msg string) {
	r.logger.Error().Msg(msg)
	r.sink.LogEvent(r.session, "error", msg)
}

func (r *reporter) Close() {
	r.sink.CloseEventStream(r.session)
}

// run executes one workflow body and finishes the task row. The guaranteed
// ordering on failure: error-level progress event, ERROR status plus payload
// entry, stream close — always, in that order, as the final unconditional
// actions. The body's error is returned for the dispatcher's log.
func (e *Engine) run(ctx context.Context, task *types.Task, component string, body func(ctx context.Context, rep *reporter) error) error {
	rep := e.reporterFor(task)
	defer rep.Close()

	err := body(ctx, rep)
	if err != nil {
		rep.Error(err.Error())
		task.Status = types.TaskStatusError
		task.Append(types.PayloadEntry{
			Type:      "status",
			Step:      string(types.TaskStatusError),
			Component: component,
			Message:   err.Error(),
		})
	} else {
		task.Status = types.TaskStatusDone
		task.Append(types.PayloadEntry{
			Type:      "status",
			Step:      string(types.TaskStatusDone),
			Component: component,
		})
	}

	if uerr := e.store.UpdateTask(task); uerr != nil {
		wlog := log.WithTaskID(task.ID)
		wlog.Error().Err(uerr).Msg("failed to persist terminal task status")
		if err == nil {
			err = uerr
		}
	}
	return err
}

// decodeParams unmarshals the operation input from the task's initial
// payload entry.
func decodeParams(task *types.Task, out any) error {
	params := task.Params()
	if params == nil {
		return fmt.Errorf("task %s carries no parameters", task.ID)
	}
	if err := json.Unmarshal(params, out); err != nil {
		return fmt.Errorf("task %s parameters: %w", task.ID, err)
	}
	return nil
}

// step appends a progress payload entry for one completed workflow step.
func step(task *types.Task, component, stepName, message string) {
	task.Append(types.PayloadEntry{
		Type:      "step",
		Step:      stepName,
		Component: component,
		Message:   message,
	})
}

// refreshProxy rebuilds the reverse-proxy state from the store and applies
// it, returning the backup for the caller's compensation path.
func (e *Engine) refreshProxy(ctx context.Context) (string, error) {
	state, err := e.proxyState()
	if err != nil {
		return "", err
	}
	return e.proxy.Apply(ctx, state)
}

// proxyState assembles upstreams (worker node IPs per workspace, falling
// back to the master when no workers exist) and route rules (with version
// weights for canary splits).
func (e *Engine) proxyState() (proxyconf.State, error) {
	var state proxyconf.State

	nodes, err := e.store.ListNodes()
	if err != nil {
		return state, fmt.Errorf("list nodes: %w", err)
	}

	servers := make(map[string][]string) // workspace -> upstream IPs
	masters := make(map[string]string)
	for _, node := range nodes {
		if node.Role == types.NodeRoleMaster {
			masters[node.WorkspaceID] = node.IP
			continue
		}
		servers[node.WorkspaceID] = append(servers[node.WorkspaceID], node.IP)
	}
	for workspaceID, masterIP := range masters {
		if len(servers[workspaceID]) == 0 {
			servers[workspaceID] = []string{masterIP}
		}
	}
	for workspaceID, ips := range servers {
		state.Upstreams = append(state.Upstreams, proxyconf.Upstream{
			Workspace: workspaceID,
			Servers:   ips,
		})
	}

	routes, err := e.store.ListRoutes()
	if err != nil {
		return state, fmt.Errorf("list routes: %w", err)
	}
	for _, route := range routes {
		rule := proxyconf.Rule{
			Workspace:   route.WorkspaceID,
			Domain:      route.Domain,
			Subdomain:   route.Subdomain,
			VirtualPort: route.VirtualPort,
			TCP:         route.TCP,
		}
		if route.ApplicationID != "" {
			versions, err := e.store.ListVersionsByApplication(route.ApplicationID)
			if err != nil {
				return state, fmt.Errorf("list versions for route %s: %w", route.ID, err)
			}
			for _, v := range versions {
				rule.Splits = append(rule.Splits, proxyconf.Split{
					Version: v.Version,
					Weight:  v.Weight,
				})
			}
		}
		state.Rules = append(state.Rules, rule)
	}

	return state, nil
}

// masterFor resolves a workspace's master node.
func (e *Engine) masterFor(workspaceID string) (*types.Node, error) {
	nodes, err := e.store.ListNodesByWorkspace(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list nodes for workspace %s: %w", workspaceID, err)
	}
	for _, node := range nodes {
		if node.Role == types.NodeRoleMaster {
			return node, nil
		}
	}
	return nil, fmt.Errorf("workspace %s has no master node", workspaceID)
}

// workersFor lists a workspace's worker nodes in inventory order.
func (e *Engine) workersFor(workspaceID string) ([]*types.Node, error) {
	nodes, err := e.store.ListNodesByWorkspace(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list nodes for workspace %s: %w", workspaceID, err)
	}
	var workers []*types.Node
	for _, node := range nodes {
		if node.Role == types.NodeRoleWorker {
			workers = append(workers, node)
		}
	}
	return workers, nil
}

// PersistentVolumeSpec is the slice of a Kubernetes PV the cluster workflows
// care about when replicating local-storage volumes onto new nodes.
type PersistentVolumeSpec struct {
	Name             string `json:"name"`
	Path             string `json:"path"`
	StorageClassName string `json:"storageClassName"`
}
