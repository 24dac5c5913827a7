package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackwave/helmsman/pkg/saga"
	"github.com/stackwave/helmsman/pkg/types"
)

// MinFreeMemoryMB is the free-memory floor a host must clear to receive a
// new cluster member.
const MinFreeMemoryMB = 3000

// AlertOutOfResources is broadcast when scale-up finds no usable host.
const AlertOutOfResources = "out-of-resources"

// ScaleAction is the outcome of the scale decision table.
type ScaleAction int

const (
	// ScaleNoop leaves the cluster as is.
	ScaleNoop ScaleAction = iota
	// ScaleToZero removes every worker and un-taints the master so it
	// accepts workload again.
	ScaleToZero
	// ScaleUpFromZero provisions the full requested worker count and
	// taints the master afterward.
	ScaleUpFromZero
	// ScaleUp adds delta workers.
	ScaleUp
	// ScaleDown removes delta workers, first-listed first. Selection
	// follows inventory order; there is no least-loaded policy.
	ScaleDown
)

// PlanScale maps (currentWorkers, requestedScale) to an action and a unit
// count. requestedScale==1 means master-only.
func PlanScale(currentWorkers, requestedScale int) (ScaleAction, int) {
	switch {
	case requestedScale == 1 && currentWorkers > 0:
		return ScaleToZero, currentWorkers
	case requestedScale > 1 && currentWorkers == 0:
		return ScaleUpFromZero, requestedScale
	case requestedScale > 1 && requestedScale > currentWorkers:
		return ScaleUp, requestedScale - currentWorkers
	case requestedScale > 1 && requestedScale < currentWorkers:
		return ScaleDown, currentWorkers - requestedScale
	default:
		return ScaleNoop, 0
	}
}

type clusterParams struct {
	WorkspaceID string `json:"workspaceId"`
	Scale       int    `json:"scale"`
}

// CreateCluster provisions a new tenant cluster: one master on the
// best-ranked host. Workers come later through UPDATE-K8S-CLUSTER.
func (e *Engine) CreateCluster(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "cluster", func(ctx context.Context, rep *reporter) error {
		var params clusterParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}
		if params.WorkspaceID == "" {
			params.WorkspaceID = task.TargetID
		}

		hosts, err := e.observeHosts(ctx)
		if err != nil {
			return err
		}
		candidates := rankHosts(hosts, nil)
		if len(candidates) == 0 {
			e.progress.Alert(AlertOutOfResources)
			return ErrOutOfResources
		}

		undo := saga.New()

		ip, err := e.leases.Lease()
		if err != nil {
			return fmt.Errorf("lease master ip: %w", err)
		}
		undo.Push("return master ip", func(ctx context.Context) error {
			e.leases.Return(ctx, ip)
			return nil
		})

		host := candidates[0]
		master := &types.Node{
			ID:          uuid.NewString(),
			Hash:        newNodeHash(),
			Role:        types.NodeRoleMaster,
			IP:          ip,
			Hostname:    fmt.Sprintf("%s-master", params.WorkspaceID),
			WorkspaceID: params.WorkspaceID,
			HostID:      host.ID,
		}

		rep.Info(fmt.Sprintf("provisioning master on host %s", host.IP))
		if err := e.agent.ProvisionMaster(ctx, host.IP, master); err != nil {
			undo.Unwind(ctx)
			return fmt.Errorf("provision master: %w", err)
		}
		undo.Push("deprovision master vm", func(ctx context.Context) error {
			return e.agent.DeprovisionVM(ctx, host.IP, master.Hash)
		})

		if err := e.store.CreateNode(master); err != nil {
			undo.Unwind(ctx)
			return fmt.Errorf("record master node: %w", err)
		}
		step(task, "cluster", "master-provisioned", master.IP)

		if _, err := e.refreshProxy(ctx); err != nil {
			undo.Push("delete master node row", func(context.Context) error {
				return e.store.DeleteNode(master.ID)
			})
			undo.Unwind(ctx)
			return fmt.Errorf("refresh proxy: %w", err)
		}

		undo.Discard()
		rep.Info("cluster created")
		return nil
	})
}

// UpdateCluster reconciles a tenant cluster's worker count to the requested
// scale.
func (e *Engine) UpdateCluster(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "cluster", func(ctx context.Context, rep *reporter) error {
		var params clusterParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}
		if params.WorkspaceID == "" {
			params.WorkspaceID = task.TargetID
		}

		workers, err := e.workersFor(params.WorkspaceID)
		if err != nil {
			return err
		}

		action, delta := PlanScale(len(workers), params.Scale)
		switch action {
		case ScaleNoop:
			rep.Info("as-is / to-be are the same")
			return nil
		case ScaleToZero:
			return e.scaleDown(ctx, task, rep, params.WorkspaceID, workers, true)
		case ScaleUpFromZero:
			return e.scaleUp(ctx, task, rep, params.WorkspaceID, delta)
		case ScaleUp:
			return e.scaleUp(ctx, task, rep, params.WorkspaceID, delta)
		case ScaleDown:
			return e.scaleDown(ctx, task, rep, params.WorkspaceID, workers[:delta], false)
		}
		return nil
	})
}

// observeHosts collects the live inventory, registers unknown hosts
// (register-on-observe), and returns the usable candidates with their
// current free memory.
func (e *Engine) observeHosts(ctx context.Context) ([]hostCandidate, error) {
	inventories, err := e.agent.CollectInventory(ctx, "host")
	if err != nil {
		return nil, err
	}
	if err := e.RegisterObservedHosts(inventories); err != nil {
		return nil, err
	}

	var candidates []hostCandidate
	for _, inv := range inventories {
		if inv.Memory <= MinFreeMemoryMB {
			continue
		}
		host, err := e.store.GetHostByIP(inv.IP)
		if err != nil {
			return nil, fmt.Errorf("host %s vanished after registration: %w", inv.IP, err)
		}
		candidates = append(candidates, hostCandidate{
			ID:         host.ID,
			IP:         host.IP,
			FreeMemory: inv.Memory,
		})
	}
	return candidates, nil
}

type hostCandidate struct {
	ID         string
	IP         string
	FreeMemory int64
}

// rankHosts orders scale-up candidates: hosts this cluster does not use
// yet first, then hosts it already uses, each group by free memory
// descending. usedHostIDs is the set of hosts carrying this workspace's
// nodes. Round-robin over the combined list covers the case where more
// units are requested than distinct hosts exist.
func rankHosts(candidates []hostCandidate, usedHostIDs map[string]bool) []hostCandidate {
	var fresh, used []hostCandidate
	for _, c := range candidates {
		if usedHostIDs[c.ID] {
			used = append(used, c)
		} else {
			fresh = append(fresh, c)
		}
	}
	sortByFreeMemory(fresh)
	sortByFreeMemory(used)
	return append(fresh, used...)
}

func sortByFreeMemory(candidates []hostCandidate) {
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].FreeMemory > candidates[j-1].FreeMemory; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
}

// scaleUp provisions count new workers, replicating every bound volume onto
// each. Per-unit failures roll back only that unit's volume work before the
// outer unwind compensates the whole batch. If unwinding leaves zero
// workers the master is un-tainted: a cluster must never end up with no
// schedulable node.
func (e *Engine) scaleUp(ctx context.Context, task *types.Task, rep *reporter, workspaceID string, count int) error {
	master, err := e.masterFor(workspaceID)
	if err != nil {
		return err
	}

	existing, err := e.workersFor(workspaceID)
	if err != nil {
		return err
	}
	usedHostIDs := make(map[string]bool)
	for _, worker := range existing {
		usedHostIDs[worker.HostID] = true
	}
	usedHostIDs[master.HostID] = true

	hosts, err := e.observeHosts(ctx)
	if err != nil {
		return err
	}
	candidates := rankHosts(hosts, usedHostIDs)
	if len(candidates) == 0 {
		e.progress.Alert(AlertOutOfResources)
		return ErrOutOfResources
	}

	volumes, err := e.boundVolumes(workspaceID)
	if err != nil {
		return err
	}

	undo := saga.New()
	provisioned := 0

	fail := func(err error) error {
		undo.Unwind(ctx)
		remaining, lerr := e.workersFor(workspaceID)
		if lerr == nil && len(remaining) == 0 {
			if uerr := e.agent.UntaintMaster(ctx, master.IP); uerr != nil {
				rep.Error(fmt.Sprintf("un-taint master after rollback: %v", uerr))
			}
		}
		return err
	}

	for unit := 0; unit < count; unit++ {
		host := candidates[unit%len(candidates)] // round-robin fallback
		node, err := e.provisionWorkerUnit(ctx, rep, workspaceID, master, host, volumes, undo)
		if err != nil {
			return fail(fmt.Errorf("provision worker %d/%d: %w", unit+1, count, err))
		}
		provisioned++
		step(task, "cluster", "worker-provisioned", node.IP)
		rep.Info(fmt.Sprintf("provisioned worker %d/%d on host %s", unit+1, count, host.IP))
	}

	if err := e.agent.TaintMaster(ctx, master.IP); err != nil {
		return fail(fmt.Errorf("taint master: %w", err))
	}
	undo.Push("un-taint master", func(ctx context.Context) error {
		return e.agent.UntaintMaster(ctx, master.IP)
	})

	if _, err := e.refreshProxy(ctx); err != nil {
		return fail(fmt.Errorf("refresh proxy upstreams: %w", err))
	}

	undo.Discard()
	rep.Info(fmt.Sprintf("scaled up by %d worker(s)", provisioned))
	return nil
}

// provisionWorkerUnit provisions one worker and replicates volume bindings
// onto it. On failure the unit's own volume attachments are unwound here
// (not previously succeeded units'), and the error re-raised for the outer
// saga. On success the outer undo log gains the unit's full compensation.
func (e *Engine) provisionWorkerUnit(ctx context.Context, rep *reporter, workspaceID string, master *types.Node, host hostCandidate, volumes []*types.Volume, outer *saga.Log) (*types.Node, error) {
	ip, err := e.leases.Lease()
	if err != nil {
		return nil, fmt.Errorf("lease worker ip: %w", err)
	}

	node := &types.Node{
		ID:          uuid.NewString(),
		Hash:        newNodeHash(),
		Role:        types.NodeRoleWorker,
		IP:          ip,
		Hostname:    fmt.Sprintf("%s-worker-%s", workspaceID, node8(ip)),
		WorkspaceID: workspaceID,
		HostID:      host.ID,
	}

	if err := e.agent.ProvisionWorker(ctx, host.IP, node); err != nil {
		e.leases.Return(ctx, ip)
		return nil, err
	}

	// Inner undo scope: volume work on this unit only.
	unitUndo := saga.New()
	if err := e.replicateVolumes(ctx, rep, master, node, host, volumes, unitUndo); err != nil {
		unitUndo.Unwind(ctx)
		if derr := e.agent.DeprovisionVM(ctx, host.IP, node.Hash); derr != nil {
			rep.Error(fmt.Sprintf("deprovision failed worker vm: %v", derr))
		}
		e.leases.Return(ctx, ip)
		return nil, err
	}

	if err := e.store.CreateNode(node); err != nil {
		unitUndo.Unwind(ctx)
		if derr := e.agent.DeprovisionVM(ctx, host.IP, node.Hash); derr != nil {
			rep.Error(fmt.Sprintf("deprovision failed worker vm: %v", derr))
		}
		e.leases.Return(ctx, ip)
		return nil, fmt.Errorf("record worker node: %w", err)
	}

	// The unit succeeded: its compensation moves to the outer log as one
	// block — detach, unwind volumes, destroy the VM, free the address.
	outer.Push(fmt.Sprintf("remove worker %s", node.IP), func(ctx context.Context) error {
		if err := e.agent.DetachNode(ctx, master.IP, node.Hash); err != nil {
			rep.Error(fmt.Sprintf("detach worker %s: %v", node.IP, err))
		}
		unitUndo.Unwind(ctx)
		if err := e.agent.DeprovisionVM(ctx, host.IP, node.Hash); err != nil {
			return err
		}
		if err := e.store.DeleteNode(node.ID); err != nil {
			return err
		}
		e.leases.Return(ctx, node.IP)
		return nil
	})
	return node, nil
}

// replicateVolumes re-creates every workspace volume binding on a freshly
// provisioned worker. Gluster volumes are network mounts; local volumes
// need a device slot, a mount, and re-created directories for any
// local-storage PersistentVolumes the master already tracks.
func (e *Engine) replicateVolumes(ctx context.Context, rep *reporter, master, node *types.Node, host hostCandidate, volumes []*types.Volume, undo *saga.Log) error {
	for _, volume := range volumes {
		volume := volume
		switch volume.Type {
		case types.VolumeTypeGluster:
			if err := e.agent.MountGlusterVolume(ctx, node.IP, volume); err != nil {
				return fmt.Errorf("mount gluster volume %s: %w", volume.Name, err)
			}
			undo.Push(fmt.Sprintf("unmount gluster %s", volume.Name), func(ctx context.Context) error {
				return e.agent.UnmountGlusterVolume(ctx, node.IP, volume)
			})

		case types.VolumeTypeLocal:
			if volume.PortIndex == nil {
				return fmt.Errorf("local volume %s has no device slot", volume.Name)
			}
			if err := e.agent.AttachLocalDevice(ctx, host.IP, node.Hash, volume, *volume.PortIndex); err != nil {
				return fmt.Errorf("attach local volume %s: %w", volume.Name, err)
			}
			undo.Push(fmt.Sprintf("detach local %s", volume.Name), func(ctx context.Context) error {
				return e.agent.DetachLocalDevice(ctx, host.IP, node.Hash, volume)
			})

			if err := e.agent.MountLocalVolume(ctx, node.IP, volume); err != nil {
				return fmt.Errorf("mount local volume %s: %w", volume.Name, err)
			}
			undo.Push(fmt.Sprintf("unmount local %s", volume.Name), func(ctx context.Context) error {
				return e.agent.UnmountLocalVolume(ctx, node.IP, volume)
			})

			pvs, err := e.agent.ListLocalStoragePVs(ctx, master.IP)
			if err != nil {
				return fmt.Errorf("list local-storage pvs: %w", err)
			}
			for _, pv := range pvs {
				if pv.StorageClassName != "local-storage" {
					continue
				}
				if err := e.agent.CreatePVDir(ctx, node.IP, pv); err != nil {
					return fmt.Errorf("recreate pv dir %s: %w", pv.Name, err)
				}
			}

		default:
			return fmt.Errorf("unsupported volume type %q", volume.Type)
		}
	}
	return nil
}

// scaleDown removes the given workers: detach from the control plane, drop
// local volume material on the node, destroy the VM. untaint applies when
// the cluster goes back to master-only.
func (e *Engine) scaleDown(ctx context.Context, task *types.Task, rep *reporter, workspaceID string, workers []*types.Node, untaint bool) error {
	master, err := e.masterFor(workspaceID)
	if err != nil {
		return err
	}

	volumes, err := e.boundVolumes(workspaceID)
	if err != nil {
		return err
	}

	for i, worker := range workers {
		if err := e.agent.DetachNode(ctx, master.IP, worker.Hash); err != nil {
			return fmt.Errorf("detach worker %s: %w", worker.IP, err)
		}

		for _, volume := range volumes {
			if volume.Type != types.VolumeTypeLocal {
				continue
			}
			if err := e.agent.DetachLocalDevice(ctx, hostIPFor(worker, e), worker.Hash, volume); err != nil {
				rep.Error(fmt.Sprintf("detach local volume %s from %s: %v", volume.Name, worker.IP, err))
			}
			if err := e.agent.DeleteLocalVolumeDir(ctx, worker.IP, volume); err != nil {
				rep.Error(fmt.Sprintf("delete local volume dir %s on %s: %v", volume.Name, worker.IP, err))
			}
		}

		if err := e.agent.DeprovisionVM(ctx, hostIPFor(worker, e), worker.Hash); err != nil {
			return fmt.Errorf("deprovision worker %s: %w", worker.IP, err)
		}
		if err := e.store.DeleteNode(worker.ID); err != nil {
			return fmt.Errorf("delete worker node row: %w", err)
		}
		e.leases.Return(ctx, worker.IP)
		step(task, "cluster", "worker-removed", worker.IP)
		rep.Info(fmt.Sprintf("removed worker %d/%d", i+1, len(workers)))
	}

	if untaint {
		if err := e.agent.UntaintMaster(ctx, master.IP); err != nil {
			return fmt.Errorf("un-taint master: %w", err)
		}
	}

	if _, err := e.refreshProxy(ctx); err != nil {
		return fmt.Errorf("refresh proxy upstreams: %w", err)
	}
	return nil
}

// boundVolumes lists the volumes currently bound to a workspace cluster.
func (e *Engine) boundVolumes(workspaceID string) ([]*types.Volume, error) {
	bindings, err := e.store.ListBindingsByTarget(types.TargetWorkspace, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list volume bindings: %w", err)
	}
	var volumes []*types.Volume
	for _, binding := range bindings {
		volume, err := e.store.GetVolume(binding.VolumeID)
		if err != nil {
			return nil, fmt.Errorf("load bound volume %s: %w", binding.VolumeID, err)
		}
		volumes = append(volumes, volume)
	}
	return volumes, nil
}

// hostIPFor resolves the pooled host a node runs on, falling back to the
// node's own address when the host row is gone.
func hostIPFor(node *types.Node, e *Engine) string {
	host, err := e.store.GetHost(node.HostID)
	if err != nil {
		return node.IP
	}
	return host.IP
}

func newNodeHash() string {
	return uuid.NewString()[:8]
}

func node8(ip string) string {
	if len(ip) <= 8 {
		return ip
	}
	return ip[len(ip)-8:]
}
