package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwave/helmsman/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTaskRoundTripAndNotFound(t *testing.T) {
	store := newTestStore(t)

	task := &types.Task{
		ID:        uuid.NewString(),
		Type:      types.TaskProvisionVolume,
		Target:    types.TargetWorkspace,
		TargetID:  "ws1",
		Status:    types.TaskStatusPending,
		CreatedAt: time.Now().Truncate(time.Millisecond),
		UpdatedAt: time.Now().Truncate(time.Millisecond),
	}
	task.Append(types.PayloadEntry{Type: "create", SessionID: "sess-1"})
	require.NoError(t, store.CreateTask(task))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, types.TaskStatusPending, got.Status)
	require.Len(t, got.Payload, 1)
	assert.Equal(t, "sess-1", got.Payload[0].SessionID)

	_, err = store.GetTask("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListTasksByStatusIsFIFO(t *testing.T) {
	store := newTestStore(t)

	base := time.Now()
	var ids []string
	// Insert out of creation order; listing must come back oldest first.
	for _, offset := range []int{2, 0, 1} {
		task := &types.Task{
			ID:        uuid.NewString(),
			Type:      types.TaskProvisionVolume,
			Status:    types.TaskStatusPending,
			CreatedAt: base.Add(time.Duration(offset) * time.Second),
			UpdatedAt: base.Add(time.Duration(offset) * time.Second),
		}
		require.NoError(t, store.CreateTask(task))
		ids = append(ids, task.ID)
	}
	done := &types.Task{
		ID:        uuid.NewString(),
		Type:      types.TaskProvisionVolume,
		Status:    types.TaskStatusDone,
		CreatedAt: base.Add(-time.Hour),
	}
	require.NoError(t, store.CreateTask(done))

	pending, err := store.ListTasksByStatus(types.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, ids[1], pending[0].ID) // offset 0
	assert.Equal(t, ids[2], pending[1].ID) // offset 1
	assert.Equal(t, ids[0], pending[2].ID) // offset 2
}

func TestHostLookupByIP(t *testing.T) {
	store := newTestStore(t)

	host := &types.Host{ID: uuid.NewString(), IP: "10.0.0.5", Hostname: "h5", Status: types.HostStatusReady}
	require.NoError(t, store.CreateHost(host))

	got, err := store.GetHostByIP("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, host.ID, got.ID)

	_, err = store.GetHostByIP("10.0.0.6")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestVolumeBindingFilters(t *testing.T) {
	store := newTestStore(t)

	volumeA := uuid.NewString()
	volumeB := uuid.NewString()
	require.NoError(t, store.CreateVolumeBinding(&types.VolumeBinding{
		ID: uuid.NewString(), Target: types.TargetWorkspace, TargetID: "ws1", VolumeID: volumeA,
	}))
	require.NoError(t, store.CreateVolumeBinding(&types.VolumeBinding{
		ID: uuid.NewString(), Target: types.TargetWorkspace, TargetID: "ws2", VolumeID: volumeA,
	}))
	require.NoError(t, store.CreateVolumeBinding(&types.VolumeBinding{
		ID: uuid.NewString(), Target: types.TargetWorkspace, TargetID: "ws1", VolumeID: volumeB,
	}))

	byTarget, err := store.ListBindingsByTarget(types.TargetWorkspace, "ws1")
	require.NoError(t, err)
	assert.Len(t, byTarget, 2)

	byVolume, err := store.ListBindingsByVolume(volumeA)
	require.NoError(t, err)
	assert.Len(t, byVolume, 2)
}

func TestRouteExclusivityEnforced(t *testing.T) {
	store := newTestStore(t)

	both := &types.Route{
		ID: uuid.NewString(), WorkspaceID: "ws1", Domain: "example.com",
		ApplicationID: "app-1", ServiceID: "svc-1",
	}
	assert.Error(t, store.CreateRoute(both))

	neither := &types.Route{ID: uuid.NewString(), WorkspaceID: "ws1", Domain: "example.com"}
	assert.Error(t, store.CreateRoute(neither))

	ok := &types.Route{ID: uuid.NewString(), WorkspaceID: "ws1", Domain: "example.com", ApplicationID: "app-1"}
	assert.NoError(t, store.CreateRoute(ok))
}

func TestUpdateAtomicRollsBackOnError(t *testing.T) {
	store := newTestStore(t)

	appID := uuid.NewString()
	v1 := &types.ApplicationVersion{ID: uuid.NewString(), ApplicationID: appID, Version: "v1", Weight: 100}
	require.NoError(t, store.CreateApplicationVersion(v1))

	err := store.UpdateAtomic(func(tx Txn) error {
		v2 := &types.ApplicationVersion{ID: uuid.NewString(), ApplicationID: appID, Version: "v2", Weight: 50}
		if err := tx.PutApplicationVersion(v2); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	versions, err := store.ListVersionsByApplication(appID)
	require.NoError(t, err)
	assert.Len(t, versions, 1, "failed transaction must not leave partial writes")
}

func TestVersionsListedByCreation(t *testing.T) {
	store := newTestStore(t)

	appID := uuid.NewString()
	base := time.Now()
	for i, name := range []string{"v1", "v2", "v3"} {
		require.NoError(t, store.CreateApplicationVersion(&types.ApplicationVersion{
			ID:            uuid.NewString(),
			ApplicationID: appID,
			Version:       name,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}

	versions, err := store.ListVersionsByApplication(appID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "v1", versions[0].Version)
	assert.Equal(t, "v3", versions[2].Version)
}
