package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwave/helmsman/pkg/dispatcher"
	"github.com/stackwave/helmsman/pkg/types"
)

func TestProvisionVolumeEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	disp := dispatcher.New(env.store, dispatcher.Config{})
	env.engine.Register(disp)

	params, err := json.Marshal(map[string]any{
		"workspaceId": "ws1",
		"type":        "local",
		"name":        "data",
		"size":        2048,
	})
	require.NoError(t, err)

	now := time.Now()
	task := &types.Task{
		ID:       uuid.NewString(),
		Type:     types.TaskProvisionVolume,
		Target:   types.TargetWorkspace,
		TargetID: "ws1",
		Status:   types.TaskStatusPending,
		Payload: []types.PayloadEntry{{
			Type: "create", SessionID: "sess-1", Params: params, Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, env.store.CreateTask(task))

	disp.HandleNewTaskNotification(task.ID)

	deadline := time.Now().Add(5 * time.Second)
	var got *types.Task
	for {
		got, err = env.store.GetTask(task.ID)
		require.NoError(t, err)
		if got.Status.Terminal() || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, types.TaskStatusDone, got.Status)

	// Exactly one status entry per transition.
	var statusSteps []string
	for _, entry := range got.Payload {
		if entry.Type == "status" {
			statusSteps = append(statusSteps, entry.Step)
		}
	}
	assert.Equal(t, []string{
		string(types.TaskStatusInProgress),
		string(types.TaskStatusDone),
	}, statusSteps)

	volume, err := env.store.GetVolumeByName("ws1", "data")
	require.NoError(t, err)
	assert.NotEmpty(t, volume.Secret)
	assert.Equal(t, types.VolumeTypeLocal, volume.Type)
	assert.Equal(t, int64(2048), volume.Size)
	assert.Nil(t, volume.PortIndex, "local volume gets its slot at bind time")
	assert.Contains(t, env.progress.closed, "sess-1", "stream closed after the handler")
}

func TestProvisionVolumeRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)

	task := makeTask(t, env.store, types.TaskProvisionVolume, map[string]any{
		"workspaceId": "ws1", "type": "ceph", "name": "data", "size": 1024,
	})
	err := env.engine.ProvisionVolume(context.Background(), task)
	require.Error(t, err)

	// Local precondition failure: no remote call was made.
	assert.Empty(t, env.agent.callLog())
	assert.Equal(t, types.TaskStatusError, task.Status)
}

func TestProvisionGlusterVolumeCreatesRemoteFirst(t *testing.T) {
	env := newTestEnv(t)

	task := makeTask(t, env.store, types.TaskProvisionVolume, map[string]any{
		"workspaceId": "ws1", "type": "gluster", "name": "shared", "size": 4096,
	})
	require.NoError(t, env.engine.ProvisionVolume(context.Background(), task))

	assert.Equal(t, 1, env.agent.count("create-gluster"))
	volume, err := env.store.GetVolumeByName("ws1", "shared")
	require.NoError(t, err)
	assert.Equal(t, types.VolumeTypeGluster, volume.Type)
}

func TestBindVolumeRejectsVMTarget(t *testing.T) {
	env := newTestEnv(t)

	volume := &types.Volume{
		ID: uuid.NewString(), Name: "data", Secret: "s", Type: types.VolumeTypeLocal, WorkspaceID: "ws1",
	}
	require.NoError(t, env.store.CreateVolume(volume))

	task := makeTask(t, env.store, types.TaskBindVolume, map[string]any{
		"volumeId": volume.ID, "target": "vm", "targetId": "vm-1",
	})
	err := env.engine.BindVolume(context.Background(), task)
	require.Error(t, err)

	assert.Empty(t, env.agent.callLog(), "precondition failure makes no remote call")
	assert.Equal(t, types.TaskStatusError, task.Status)
}

func TestBindLocalVolumeAllocatesSlotAndMountsEverywhere(t *testing.T) {
	env := newTestEnv(t)
	hostA := env.seedHost(t, "10.0.1.1")
	env.seedMaster(t, hostA.ID)
	require.NoError(t, env.store.CreateNode(&types.Node{
		ID: uuid.NewString(), Hash: "w1", Role: types.NodeRoleWorker,
		IP: "10.0.0.21", WorkspaceID: "ws1", HostID: hostA.ID,
	}))

	volume := &types.Volume{
		ID: uuid.NewString(), Name: "data", Secret: "s", Type: types.VolumeTypeLocal, WorkspaceID: "ws1",
	}
	require.NoError(t, env.store.CreateVolume(volume))

	task := makeTask(t, env.store, types.TaskBindVolume, map[string]any{
		"volumeId": volume.ID, "target": "workspace", "targetId": "ws1",
	})
	require.NoError(t, env.engine.BindVolume(context.Background(), task))

	assert.Equal(t, 2, env.agent.count("attach-local"), "master and worker")
	assert.Equal(t, 2, env.agent.count("mount-local"))

	got, err := env.store.GetVolume(volume.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PortIndex)
	assert.Equal(t, 0, *got.PortIndex)

	bindings, err := env.store.ListBindingsByTarget(types.TargetWorkspace, "ws1")
	require.NoError(t, err)
	assert.Len(t, bindings, 1)
}

func TestBindVolumeUnwindsMountsOnMidFailure(t *testing.T) {
	env := newTestEnv(t)
	hostA := env.seedHost(t, "10.0.1.1")
	env.seedMaster(t, hostA.ID)
	require.NoError(t, env.store.CreateNode(&types.Node{
		ID: uuid.NewString(), Hash: "w1", Role: types.NodeRoleWorker,
		IP: "10.0.0.21", WorkspaceID: "ws1", HostID: hostA.ID,
	}))

	volume := &types.Volume{
		ID: uuid.NewString(), Name: "data", Secret: "s", Type: types.VolumeTypeGluster, WorkspaceID: "ws1",
	}
	require.NoError(t, env.store.CreateVolume(volume))

	// Second node's mount fails; the first node's mount must be unwound.
	env.agent.failAt["mount-gluster"] = 2

	task := makeTask(t, env.store, types.TaskBindVolume, map[string]any{
		"volumeId": volume.ID, "target": "workspace", "targetId": "ws1",
	})
	require.Error(t, env.engine.BindVolume(context.Background(), task))

	assert.Equal(t, 2, env.agent.count("mount-gluster"))
	assert.Equal(t, 1, env.agent.count("unmount-gluster"))

	bindings, err := env.store.ListBindingsByTarget(types.TargetWorkspace, "ws1")
	require.NoError(t, err)
	assert.Empty(t, bindings, "no binding row after a failed bind")
	assert.Equal(t, types.TaskStatusError, task.Status)
}

func TestUnbindVolumeReleasesSlotOnLastBinding(t *testing.T) {
	env := newTestEnv(t)
	hostA := env.seedHost(t, "10.0.1.1")
	env.seedMaster(t, hostA.ID)

	slot := 2
	volume := &types.Volume{
		ID: uuid.NewString(), Name: "data", Secret: "s", Type: types.VolumeTypeLocal,
		WorkspaceID: "ws1", PortIndex: &slot,
	}
	require.NoError(t, env.store.CreateVolume(volume))
	require.NoError(t, env.store.CreateVolumeBinding(&types.VolumeBinding{
		ID: uuid.NewString(), Target: types.TargetWorkspace, TargetID: "ws1", VolumeID: volume.ID,
	}))

	task := makeTask(t, env.store, types.TaskUnbindVolume, map[string]any{
		"volumeId": volume.ID, "target": "workspace", "targetId": "ws1",
	})
	require.NoError(t, env.engine.UnbindVolume(context.Background(), task))

	got, err := env.store.GetVolume(volume.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PortIndex)

	bindings, err := env.store.ListBindingsByVolume(volume.ID)
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestDeprovisionVolumeRefusesLiveBindings(t *testing.T) {
	env := newTestEnv(t)

	volume := &types.Volume{
		ID: uuid.NewString(), Name: "data", Secret: "s", Type: types.VolumeTypeGluster, WorkspaceID: "ws1",
	}
	require.NoError(t, env.store.CreateVolume(volume))
	require.NoError(t, env.store.CreateVolumeBinding(&types.VolumeBinding{
		ID: uuid.NewString(), Target: types.TargetWorkspace, TargetID: "ws1", VolumeID: volume.ID,
	}))

	task := makeTask(t, env.store, types.TaskDeprovisionVolume, map[string]any{
		"volumeId": volume.ID,
	})
	require.Error(t, env.engine.DeprovisionVolume(context.Background(), task))

	assert.Equal(t, 0, env.agent.count("delete-gluster"))
	_, err := env.store.GetVolume(volume.ID)
	assert.NoError(t, err, "volume row survives a refused deprovision")
}
