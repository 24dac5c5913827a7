package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/stackwave/helmsman/pkg/proxyconf"
	"github.com/stackwave/helmsman/pkg/types"
)

// fakeAgent records every remote call and fails on demand.
type fakeAgent struct {
	mu    sync.Mutex
	calls []string

	inventories []types.HostInventory
	localPVs    []PersistentVolumeSpec

	// failAt fails the Nth invocation of a named call (1-based);
	// failWith fails every invocation of a named call.
	failAt   map[string]int
	failWith map[string]error

	counts map[string]int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		failAt:   make(map[string]int),
		failWith: make(map[string]error),
		counts:   make(map[string]int),
	}
}

func (a *fakeAgent) record(name, detail string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[name]++
	a.calls = append(a.calls, name+":"+detail)
	if err, ok := a.failWith[name]; ok {
		return err
	}
	if n, ok := a.failAt[name]; ok && a.counts[name] == n {
		return fmt.Errorf("injected failure on %s #%d", name, n)
	}
	return nil
}

func (a *fakeAgent) count(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[name]
}

func (a *fakeAgent) callLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

func (a *fakeAgent) CollectInventory(context.Context, string) ([]types.HostInventory, error) {
	if err := a.record("collect-inventory", ""); err != nil {
		return nil, err
	}
	return a.inventories, nil
}

func (a *fakeAgent) ProvisionMaster(_ context.Context, hostIP string, node *types.Node) error {
	return a.record("provision-master", hostIP)
}

func (a *fakeAgent) ProvisionWorker(_ context.Context, hostIP string, node *types.Node) error {
	return a.record("provision-worker", hostIP)
}

func (a *fakeAgent) DeprovisionVM(_ context.Context, hostIP, nodeHash string) error {
	return a.record("deprovision-vm", nodeHash)
}

func (a *fakeAgent) DetachNode(_ context.Context, masterIP, nodeHash string) error {
	return a.record("detach-node", nodeHash)
}

func (a *fakeAgent) TaintMaster(_ context.Context, masterIP string) error {
	return a.record("taint-master", masterIP)
}

func (a *fakeAgent) UntaintMaster(_ context.Context, masterIP string) error {
	return a.record("untaint-master", masterIP)
}

func (a *fakeAgent) CreateGlusterVolume(_ context.Context, volume *types.Volume) error {
	return a.record("create-gluster", volume.Name)
}

func (a *fakeAgent) DeleteGlusterVolume(_ context.Context, volume *types.Volume) error {
	return a.record("delete-gluster", volume.Name)
}

func (a *fakeAgent) MountGlusterVolume(_ context.Context, nodeIP string, volume *types.Volume) error {
	return a.record("mount-gluster", nodeIP)
}

func (a *fakeAgent) UnmountGlusterVolume(_ context.Context, nodeIP string, volume *types.Volume) error {
	return a.record("unmount-gluster", nodeIP)
}

func (a *fakeAgent) AttachLocalDevice(_ context.Context, hostIP, nodeHash string, volume *types.Volume, portIndex int) error {
	return a.record("attach-local", nodeHash)
}

func (a *fakeAgent) DetachLocalDevice(_ context.Context, hostIP, nodeHash string, volume *types.Volume) error {
	return a.record("detach-local", nodeHash)
}

func (a *fakeAgent) MountLocalVolume(_ context.Context, nodeIP string, volume *types.Volume) error {
	return a.record("mount-local", nodeIP)
}

func (a *fakeAgent) UnmountLocalVolume(_ context.Context, nodeIP string, volume *types.Volume) error {
	return a.record("unmount-local", nodeIP)
}

func (a *fakeAgent) DeleteLocalVolumeDir(_ context.Context, nodeIP string, volume *types.Volume) error {
	return a.record("delete-local-dir", nodeIP)
}

func (a *fakeAgent) ListLocalStoragePVs(context.Context, string) ([]PersistentVolumeSpec, error) {
	if err := a.record("list-local-pvs", ""); err != nil {
		return nil, err
	}
	return a.localPVs, nil
}

func (a *fakeAgent) CreatePVDir(_ context.Context, nodeIP string, pv PersistentVolumeSpec) error {
	return a.record("create-pv-dir", pv.Name)
}

func (a *fakeAgent) InstallChart(_ context.Context, masterIP string, service *types.Service) error {
	return a.record("install-chart", service.Chart)
}

func (a *fakeAgent) UninstallChart(_ context.Context, masterIP string, service *types.Service) error {
	return a.record("uninstall-chart", service.Chart)
}

func (a *fakeAgent) BuildImage(_ context.Context, masterIP string, app *types.Application, version, image string) error {
	return a.record("build-image", image)
}

func (a *fakeAgent) DeleteImage(_ context.Context, masterIP string, image string) error {
	return a.record("delete-image", image)
}

func (a *fakeAgent) DeployWorkload(_ context.Context, masterIP string, v *types.ApplicationVersion) error {
	return a.record("deploy-workload", v.Version)
}

func (a *fakeAgent) RemoveWorkload(_ context.Context, masterIP string, v *types.ApplicationVersion) error {
	return a.record("remove-workload", v.Version)
}

// fakeProgress records the stream without a bus.
type fakeProgress struct {
	mu     sync.Mutex
	events []string
	alerts []string
	closed []string
}

func (p *fakeProgress) LogEvent(session, level, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, level+":"+value)
}

func (p *fakeProgress) CloseEventStream(session string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, session)
}

func (p *fakeProgress) Alert(kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, kind)
}

func (p *fakeProgress) alertKinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.alerts))
	copy(out, p.alerts)
	return out
}

// fakeProxy tracks apply/restore without a config file.
type fakeProxy struct {
	mu       sync.Mutex
	applies  int
	restores []string
	applyErr error
	lastSeen proxyconf.State
}

func (p *fakeProxy) Apply(_ context.Context, state proxyconf.State) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applyErr != nil {
		return "", p.applyErr
	}
	p.applies++
	p.lastSeen = state
	return fmt.Sprintf("backup-%d", p.applies), nil
}

func (p *fakeProxy) Restore(_ context.Context, backup string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restores = append(p.restores, backup)
	return nil
}

// fakeLeases hands out sequential addresses and tracks returns.
type fakeLeases struct {
	mu       sync.Mutex
	next     int
	returned []string
	exhaust  bool
}

func (l *fakeLeases) Lease() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exhaust {
		return "", fmt.Errorf("address pool exhausted")
	}
	l.next++
	return fmt.Sprintf("10.0.0.%d", 100+l.next), nil
}

func (l *fakeLeases) Return(_ context.Context, ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.returned = append(l.returned, ip)
}
