package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwave/helmsman/pkg/storage"
	"github.com/stackwave/helmsman/pkg/types"
)

type testEnv struct {
	store    storage.Store
	agent    *fakeAgent
	progress *fakeProgress
	proxy    *fakeProxy
	leases   *fakeLeases
	engine   *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:    store,
		agent:    newFakeAgent(),
		progress: &fakeProgress{},
		proxy:    &fakeProxy{},
		leases:   &fakeLeases{},
	}
	env.engine = New(store, env.agent, env.progress, env.proxy, env.leases)
	return env
}

func makeTask(t *testing.T, store storage.Store, taskType types.TaskType, params any) *types.Task {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)

	now := time.Now()
	task := &types.Task{
		ID:       uuid.NewString(),
		Type:     taskType,
		Target:   types.TargetWorkspace,
		TargetID: "ws1",
		Status:   types.TaskStatusInProgress,
		Payload: []types.PayloadEntry{{
			Type:      "create",
			SessionID: "sess-1",
			Params:    raw,
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateTask(task))
	return task
}

func (env *testEnv) seedHost(t *testing.T, ip string) *types.Host {
	t.Helper()
	host := &types.Host{ID: uuid.NewString(), IP: ip, Hostname: "host-" + ip, Status: types.HostStatusReady}
	require.NoError(t, env.store.CreateHost(host))
	env.agent.inventories = append(env.agent.inventories, types.HostInventory{
		IP: ip, Hostname: host.Hostname, Memory: 8000,
	})
	return host
}

func (env *testEnv) seedMaster(t *testing.T, hostID string) *types.Node {
	t.Helper()
	master := &types.Node{
		ID:          uuid.NewString(),
		Hash:        "master-hash",
		Role:        types.NodeRoleMaster,
		IP:          "10.0.0.10",
		WorkspaceID: "ws1",
		HostID:      hostID,
	}
	require.NoError(t, env.store.CreateNode(master))
	return master
}

func TestPlanScale(t *testing.T) {
	tests := []struct {
		name       string
		current    int
		requested  int
		wantAction ScaleAction
		wantDelta  int
	}{
		{"scale to zero", 3, 1, ScaleToZero, 3},
		{"up from zero", 0, 4, ScaleUpFromZero, 4},
		{"grow", 2, 5, ScaleUp, 3},
		{"shrink", 5, 3, ScaleDown, 2},
		{"as-is equals to-be", 3, 3, ScaleNoop, 0},
		{"master-only stays master-only", 0, 1, ScaleNoop, 0},
		{"zero request on empty cluster", 0, 0, ScaleNoop, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, delta := PlanScale(tt.current, tt.requested)
			assert.Equal(t, tt.wantAction, action)
			assert.Equal(t, tt.wantDelta, delta)
		})
	}
}

func TestRankHostsPrefersUnused(t *testing.T) {
	candidates := []hostCandidate{
		{ID: "used-big", FreeMemory: 16000},
		{ID: "fresh-small", FreeMemory: 4000},
		{ID: "fresh-big", FreeMemory: 12000},
		{ID: "used-small", FreeMemory: 8000},
	}
	ranked := rankHosts(candidates, map[string]bool{"used-big": true, "used-small": true})

	var ids []string
	for _, c := range ranked {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"fresh-big", "fresh-small", "used-big", "used-small"}, ids)
}

func TestScaleUpRollsBackOnPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	hostA := env.seedHost(t, "10.0.1.1")
	env.seedHost(t, "10.0.1.2")
	env.seedMaster(t, hostA.ID)

	// 3rd of 5 worker provisions fails.
	env.agent.failAt["provision-worker"] = 3

	task := makeTask(t, env.store, types.TaskUpdateCluster, map[string]any{
		"workspaceId": "ws1",
		"scale":       5, // five workers from zero
	})
	err := env.engine.UpdateCluster(context.Background(), task)
	require.Error(t, err)

	// The 2 succeeded units are compensated, the failed and untouched
	// units are not.
	assert.Equal(t, 3, env.agent.count("provision-worker"))
	assert.Equal(t, 2, env.agent.count("detach-node"))
	assert.Equal(t, 2, env.agent.count("deprovision-vm"))

	// Zero workers remain, so the master must be schedulable again.
	assert.Equal(t, 1, env.agent.count("untaint-master"))
	assert.Equal(t, 0, env.agent.count("taint-master"))

	nodes, err := env.store.ListNodesByWorkspace("ws1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, types.NodeRoleMaster, nodes[0].Role)

	// Every leased address came back: 2 through compensation, 1 directly
	// on the failed unit.
	assert.Len(t, env.leases.returned, 3)

	assert.Equal(t, types.TaskStatusError, task.Status)
}

func TestScaleUpTaintsMasterAndRefreshesProxy(t *testing.T) {
	env := newTestEnv(t)
	hostA := env.seedHost(t, "10.0.1.1")
	env.seedHost(t, "10.0.1.2")
	env.seedMaster(t, hostA.ID)

	task := makeTask(t, env.store, types.TaskUpdateCluster, map[string]any{
		"workspaceId": "ws1",
		"scale":       3,
	})
	require.NoError(t, env.engine.UpdateCluster(context.Background(), task))

	assert.Equal(t, 3, env.agent.count("provision-worker"))
	assert.Equal(t, 1, env.agent.count("taint-master"))
	assert.Equal(t, 0, env.agent.count("untaint-master"))
	assert.GreaterOrEqual(t, env.proxy.applies, 1)

	workers, err := env.engine.workersFor("ws1")
	require.NoError(t, err)
	assert.Len(t, workers, 3)
	assert.Equal(t, types.TaskStatusDone, task.Status)
}

func TestScaleToZeroUntaintsMaster(t *testing.T) {
	env := newTestEnv(t)
	hostA := env.seedHost(t, "10.0.1.1")
	master := env.seedMaster(t, hostA.ID)
	_ = master

	for i := 0; i < 2; i++ {
		require.NoError(t, env.store.CreateNode(&types.Node{
			ID:          uuid.NewString(),
			Hash:        uuid.NewString()[:8],
			Role:        types.NodeRoleWorker,
			IP:          "10.0.0.2" + string(rune('0'+i)),
			WorkspaceID: "ws1",
			HostID:      hostA.ID,
		}))
	}

	task := makeTask(t, env.store, types.TaskUpdateCluster, map[string]any{
		"workspaceId": "ws1",
		"scale":       1,
	})
	require.NoError(t, env.engine.UpdateCluster(context.Background(), task))

	assert.Equal(t, 2, env.agent.count("detach-node"))
	assert.Equal(t, 2, env.agent.count("deprovision-vm"))
	assert.Equal(t, 1, env.agent.count("untaint-master"))
	assert.Len(t, env.leases.returned, 2)

	workers, err := env.engine.workersFor("ws1")
	require.NoError(t, err)
	assert.Empty(t, workers)
	assert.Equal(t, types.TaskStatusDone, task.Status)
}

func TestScaleNoopWhenAsIsMatches(t *testing.T) {
	env := newTestEnv(t)
	hostA := env.seedHost(t, "10.0.1.1")
	env.seedMaster(t, hostA.ID)
	for i := 0; i < 2; i++ {
		require.NoError(t, env.store.CreateNode(&types.Node{
			ID: uuid.NewString(), Hash: uuid.NewString()[:8], Role: types.NodeRoleWorker,
			IP: "10.0.0.2" + string(rune('0'+i)), WorkspaceID: "ws1", HostID: hostA.ID,
		}))
	}

	task := makeTask(t, env.store, types.TaskUpdateCluster, map[string]any{
		"workspaceId": "ws1",
		"scale":       2,
	})
	require.NoError(t, env.engine.UpdateCluster(context.Background(), task))

	assert.Equal(t, 0, env.agent.count("provision-worker"))
	assert.Equal(t, 0, env.agent.count("detach-node"))
	assert.Equal(t, types.TaskStatusDone, task.Status)
}

func TestScaleUpOutOfResourcesAlerts(t *testing.T) {
	env := newTestEnv(t)
	host := &types.Host{ID: uuid.NewString(), IP: "10.0.1.1", Status: types.HostStatusReady}
	require.NoError(t, env.store.CreateHost(host))
	env.seedMaster(t, host.ID)
	// Host answers inventory but sits under the free-memory floor.
	env.agent.inventories = []types.HostInventory{{IP: "10.0.1.1", Memory: 1024}}

	task := makeTask(t, env.store, types.TaskUpdateCluster, map[string]any{
		"workspaceId": "ws1",
		"scale":       3,
	})
	err := env.engine.UpdateCluster(context.Background(), task)
	require.ErrorIs(t, err, ErrOutOfResources)

	assert.Contains(t, env.progress.alertKinds(), AlertOutOfResources)
	assert.Equal(t, 0, env.agent.count("provision-worker"))
	assert.Equal(t, types.TaskStatusError, task.Status)
}

func TestScaleUpReplicatesBoundVolumes(t *testing.T) {
	env := newTestEnv(t)
	hostA := env.seedHost(t, "10.0.1.1")
	env.seedMaster(t, hostA.ID)
	require.NoError(t, env.store.CreateNode(&types.Node{
		ID: uuid.NewString(), Hash: "w0", Role: types.NodeRoleWorker,
		IP: "10.0.0.20", WorkspaceID: "ws1", HostID: hostA.ID,
	}))

	slot := 0
	volume := &types.Volume{
		ID: uuid.NewString(), Name: "data", Secret: "s3cret", Size: 1024,
		Type: types.VolumeTypeLocal, WorkspaceID: "ws1", PortIndex: &slot,
	}
	require.NoError(t, env.store.CreateVolume(volume))
	require.NoError(t, env.store.CreateVolumeBinding(&types.VolumeBinding{
		ID: uuid.NewString(), Target: types.TargetWorkspace, TargetID: "ws1", VolumeID: volume.ID,
	}))
	env.agent.localPVs = []PersistentVolumeSpec{
		{Name: "pv-data", Path: "/mnt/data", StorageClassName: "local-storage"},
		{Name: "pv-other", Path: "/mnt/other", StorageClassName: "gluster"},
	}

	task := makeTask(t, env.store, types.TaskUpdateCluster, map[string]any{
		"workspaceId": "ws1",
		"scale":       2,
	})
	require.NoError(t, env.engine.UpdateCluster(context.Background(), task))

	assert.Equal(t, 1, env.agent.count("attach-local"))
	assert.Equal(t, 1, env.agent.count("mount-local"))
	// Only the local-storage PV is recreated on the new node.
	assert.Equal(t, 1, env.agent.count("create-pv-dir"))
	assert.Contains(t, env.agent.callLog(), "create-pv-dir:pv-data")
}

func TestCreateClusterProvisionsMaster(t *testing.T) {
	env := newTestEnv(t)
	env.seedHost(t, "10.0.1.1")

	task := makeTask(t, env.store, types.TaskCreateCluster, map[string]any{
		"workspaceId": "ws1",
	})
	require.NoError(t, env.engine.CreateCluster(context.Background(), task))

	assert.Equal(t, 1, env.agent.count("provision-master"))
	nodes, err := env.store.ListNodesByWorkspace("ws1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, types.NodeRoleMaster, nodes[0].Role)
	assert.NotEmpty(t, nodes[0].IP)
	assert.Equal(t, types.TaskStatusDone, task.Status)
}

func TestCreateClusterRollsBackOnProvisionFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seedHost(t, "10.0.1.1")
	env.agent.failWith["provision-master"] = assert.AnError

	task := makeTask(t, env.store, types.TaskCreateCluster, map[string]any{
		"workspaceId": "ws1",
	})
	require.Error(t, env.engine.CreateCluster(context.Background(), task))

	nodes, err := env.store.ListNodesByWorkspace("ws1")
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Len(t, env.leases.returned, 1, "leased master address returned")
	assert.Equal(t, types.TaskStatusError, task.Status)
}
