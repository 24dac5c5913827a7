package workflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackwave/helmsman/pkg/saga"
	"github.com/stackwave/helmsman/pkg/types"
)

// maxLocalDeviceSlots bounds local-volume device attachment slots per VM.
const maxLocalDeviceSlots = 8

type volumeParams struct {
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Type        string `json:"type"`
	VolumeID    string `json:"volumeId"`
	Target      string `json:"target"`
	TargetID    string `json:"targetId"`
}

// ProvisionVolume creates a volume row with a fresh secret token and, for
// gluster volumes, the backing network volume. Local volumes are lazy: the
// backing device materializes at bind time.
func (e *Engine) ProvisionVolume(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "volume", func(ctx context.Context, rep *reporter) error {
		var params volumeParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}
		if params.WorkspaceID == "" {
			params.WorkspaceID = task.TargetID
		}

		volumeType := types.VolumeType(params.Type)
		switch volumeType {
		case types.VolumeTypeGluster, types.VolumeTypeLocal:
		default:
			return fmt.Errorf("unsupported volume type %q", params.Type)
		}

		volume := &types.Volume{
			ID:          uuid.NewString(),
			Name:        params.Name,
			Size:        params.Size,
			Secret:      newVolumeSecret(),
			Type:        volumeType,
			WorkspaceID: params.WorkspaceID,
		}

		if volumeType == types.VolumeTypeGluster {
			if err := e.agent.CreateGlusterVolume(ctx, volume); err != nil {
				return fmt.Errorf("create gluster volume: %w", err)
			}
		}

		if err := e.store.CreateVolume(volume); err != nil {
			if volumeType == types.VolumeTypeGluster {
				if derr := e.agent.DeleteGlusterVolume(ctx, volume); derr != nil {
					rep.Error(fmt.Sprintf("delete orphaned gluster volume %s: %v", volume.Name, derr))
				}
			}
			return fmt.Errorf("record volume: %w", err)
		}

		step(task, "volume", "volume-created", volume.Name)
		rep.Info(fmt.Sprintf("volume %s provisioned", volume.Name))
		return nil
	})
}

// DeprovisionVolume deletes a volume. A volume with live bindings is a
// precondition failure; unbind first.
func (e *Engine) DeprovisionVolume(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "volume", func(ctx context.Context, rep *reporter) error {
		var params volumeParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}

		volume, err := e.store.GetVolume(params.VolumeID)
		if err != nil {
			return fmt.Errorf("load volume %s: %w", params.VolumeID, err)
		}

		bindings, err := e.store.ListBindingsByVolume(volume.ID)
		if err != nil {
			return fmt.Errorf("list bindings for volume %s: %w", volume.ID, err)
		}
		if len(bindings) > 0 {
			return fmt.Errorf("volume %s still has %d binding(s)", volume.Name, len(bindings))
		}

		if volume.Type == types.VolumeTypeGluster {
			if err := e.agent.DeleteGlusterVolume(ctx, volume); err != nil {
				return fmt.Errorf("delete gluster volume: %w", err)
			}
		}

		if err := e.store.DeleteVolume(volume.ID); err != nil {
			return fmt.Errorf("delete volume row: %w", err)
		}

		step(task, "volume", "volume-deleted", volume.Name)
		rep.Info(fmt.Sprintf("volume %s deprovisioned", volume.Name))
		return nil
	})
}

// BindVolume mounts a volume onto every node of a workspace cluster. VM
// targets are rejected before any side effect; the binding surface exists in
// the data model but no attachment protocol is defined for bare VMs yet.
func (e *Engine) BindVolume(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "volume", func(ctx context.Context, rep *reporter) error {
		var params volumeParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}

		target := types.TargetKind(params.Target)
		if target == types.TargetVM {
			return fmt.Errorf("binding volumes to bare VMs is not supported")
		}
		if target != types.TargetWorkspace {
			return fmt.Errorf("unknown bind target %q", params.Target)
		}

		volume, err := e.store.GetVolume(params.VolumeID)
		if err != nil {
			return fmt.Errorf("load volume %s: %w", params.VolumeID, err)
		}

		nodes, err := e.store.ListNodesByWorkspace(params.TargetID)
		if err != nil {
			return fmt.Errorf("list nodes for workspace %s: %w", params.TargetID, err)
		}
		if len(nodes) == 0 {
			return fmt.Errorf("workspace %s has no nodes to bind onto", params.TargetID)
		}

		undo := saga.New()

		if volume.Type == types.VolumeTypeLocal && volume.PortIndex == nil {
			slot, err := e.allocateDeviceSlot(params.TargetID)
			if err != nil {
				return err
			}
			volume.PortIndex = &slot
			if err := e.store.UpdateVolume(volume); err != nil {
				return fmt.Errorf("record device slot: %w", err)
			}
			undo.Push("release device slot", func(context.Context) error {
				volume.PortIndex = nil
				return e.store.UpdateVolume(volume)
			})
		}

		for _, node := range nodes {
			node := node
			if err := e.attachVolumeToNode(ctx, node, volume, undo); err != nil {
				undo.Unwind(ctx)
				return err
			}
			step(task, "volume", "volume-mounted", node.IP)
		}

		binding := &types.VolumeBinding{
			ID:       uuid.NewString(),
			Target:   target,
			TargetID: params.TargetID,
			VolumeID: volume.ID,
		}
		if err := e.store.CreateVolumeBinding(binding); err != nil {
			undo.Unwind(ctx)
			return fmt.Errorf("record binding: %w", err)
		}

		undo.Discard()
		rep.Info(fmt.Sprintf("volume %s bound to workspace %s", volume.Name, params.TargetID))
		return nil
	})
}

// UnbindVolume reverses BindVolume: unmount from every node, remove the
// binding row, and free the device slot when the volume's last binding is
// gone.
func (e *Engine) UnbindVolume(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "volume", func(ctx context.Context, rep *reporter) error {
		var params volumeParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}

		volume, err := e.store.GetVolume(params.VolumeID)
		if err != nil {
			return fmt.Errorf("load volume %s: %w", params.VolumeID, err)
		}

		bindings, err := e.store.ListBindingsByVolume(volume.ID)
		if err != nil {
			return fmt.Errorf("list bindings for volume %s: %w", volume.ID, err)
		}
		var binding *types.VolumeBinding
		for _, b := range bindings {
			if b.Target == types.TargetKind(params.Target) && b.TargetID == params.TargetID {
				binding = b
				break
			}
		}
		if binding == nil {
			return fmt.Errorf("volume %s is not bound to %s %s", volume.Name, params.Target, params.TargetID)
		}

		nodes, err := e.store.ListNodesByWorkspace(params.TargetID)
		if err != nil {
			return fmt.Errorf("list nodes for workspace %s: %w", params.TargetID, err)
		}

		for _, node := range nodes {
			if err := e.detachVolumeFromNode(ctx, rep, node, volume); err != nil {
				return err
			}
			step(task, "volume", "volume-unmounted", node.IP)
		}

		if err := e.store.DeleteVolumeBinding(binding.ID); err != nil {
			return fmt.Errorf("delete binding row: %w", err)
		}

		if volume.Type == types.VolumeTypeLocal && len(bindings) == 1 {
			volume.PortIndex = nil
			if err := e.store.UpdateVolume(volume); err != nil {
				return fmt.Errorf("release device slot: %w", err)
			}
		}

		rep.Info(fmt.Sprintf("volume %s unbound from workspace %s", volume.Name, params.TargetID))
		return nil
	})
}

// attachVolumeToNode performs the per-node mount protocol and records its
// compensation on undo.
func (e *Engine) attachVolumeToNode(ctx context.Context, node *types.Node, volume *types.Volume, undo *saga.Log) error {
	switch volume.Type {
	case types.VolumeTypeGluster:
		if err := e.agent.MountGlusterVolume(ctx, node.IP, volume); err != nil {
			return fmt.Errorf("mount gluster volume on %s: %w", node.IP, err)
		}
		undo.Push(fmt.Sprintf("unmount gluster on %s", node.IP), func(ctx context.Context) error {
			return e.agent.UnmountGlusterVolume(ctx, node.IP, volume)
		})
	case types.VolumeTypeLocal:
		hostIP := hostIPFor(node, e)
		if err := e.agent.AttachLocalDevice(ctx, hostIP, node.Hash, volume, *volume.PortIndex); err != nil {
			return fmt.Errorf("attach local device on %s: %w", node.IP, err)
		}
		undo.Push(fmt.Sprintf("detach local device on %s", node.IP), func(ctx context.Context) error {
			return e.agent.DetachLocalDevice(ctx, hostIP, node.Hash, volume)
		})
		if err := e.agent.MountLocalVolume(ctx, node.IP, volume); err != nil {
			return fmt.Errorf("mount local volume on %s: %w", node.IP, err)
		}
		undo.Push(fmt.Sprintf("unmount local on %s", node.IP), func(ctx context.Context) error {
			return e.agent.UnmountLocalVolume(ctx, node.IP, volume)
		})
	default:
		return fmt.Errorf("unsupported volume type %q", volume.Type)
	}
	return nil
}

// detachVolumeFromNode undoes attachVolumeToNode. Per-node detach failures
// are reported but do not stop the remaining nodes; a half-unbound volume is
// recoverable, a wedged unbind task is not.
func (e *Engine) detachVolumeFromNode(ctx context.Context, rep *reporter, node *types.Node, volume *types.Volume) error {
	switch volume.Type {
	case types.VolumeTypeGluster:
		if err := e.agent.UnmountGlusterVolume(ctx, node.IP, volume); err != nil {
			rep.Error(fmt.Sprintf("unmount gluster volume on %s: %v", node.IP, err))
		}
	case types.VolumeTypeLocal:
		if err := e.agent.UnmountLocalVolume(ctx, node.IP, volume); err != nil {
			rep.Error(fmt.Sprintf("unmount local volume on %s: %v", node.IP, err))
		}
		if err := e.agent.DetachLocalDevice(ctx, hostIPFor(node, e), node.Hash, volume); err != nil {
			rep.Error(fmt.Sprintf("detach local device on %s: %v", node.IP, err))
		}
	}
	return nil
}

// allocateDeviceSlot finds the lowest device slot not taken by another
// attached local volume in the workspace.
func (e *Engine) allocateDeviceSlot(workspaceID string) (int, error) {
	volumes, err := e.store.ListVolumesByWorkspace(workspaceID)
	if err != nil {
		return 0, fmt.Errorf("list workspace volumes: %w", err)
	}
	taken := make(map[int]bool)
	for _, v := range volumes {
		if v.Type == types.VolumeTypeLocal && v.PortIndex != nil {
			taken[*v.PortIndex] = true
		}
	}
	for slot := 0; slot < maxLocalDeviceSlots; slot++ {
		if !taken[slot] {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("no free device slot in workspace %s", workspaceID)
}

// newVolumeSecret returns an unguessable token used both as a lookup key
// and a directory-naming component.
func newVolumeSecret() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}
