package workflow

import (
	"context"
	"fmt"

	"github.com/stackwave/helmsman/pkg/types"
)

type workspaceParams struct {
	WorkspaceID string `json:"workspaceId"`
}

// DeprovisionWorkspace tears down everything a workspace owns: workloads,
// services, volumes, cluster nodes, routes, and leased addresses. Teardown
// is forward-only — individual failures are reported and skipped so one
// wedged resource cannot make the rest of the workspace immortal.
func (e *Engine) DeprovisionWorkspace(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "workspace", func(ctx context.Context, rep *reporter) error {
		var params workspaceParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}
		if params.WorkspaceID == "" {
			params.WorkspaceID = task.TargetID
		}
		wsID := params.WorkspaceID

		master, masterErr := e.masterFor(wsID)

		// Applications and their versions first: workloads reference
		// volumes and routes.
		apps, err := e.store.ListApplicationsByWorkspace(wsID)
		if err != nil {
			return fmt.Errorf("list applications: %w", err)
		}
		for _, app := range apps {
			versions, err := e.store.ListVersionsByApplication(app.ID)
			if err != nil {
				return fmt.Errorf("list versions for %s: %w", app.Name, err)
			}
			for _, v := range versions {
				if masterErr == nil {
					if err := e.agent.RemoveWorkload(ctx, master.IP, v); err != nil {
						rep.Error(fmt.Sprintf("remove workload %s/%s: %v", app.Name, v.Version, err))
					}
				}
				if err := e.store.DeleteApplicationVersion(v.ID); err != nil {
					rep.Error(fmt.Sprintf("delete version row %s: %v", v.ID, err))
				}
			}
			if err := e.store.DeleteApplication(app.ID); err != nil {
				rep.Error(fmt.Sprintf("delete application row %s: %v", app.ID, err))
			}
			step(task, "workspace", "application-removed", app.Name)
		}

		services, err := e.store.ListServicesByWorkspace(wsID)
		if err != nil {
			return fmt.Errorf("list services: %w", err)
		}
		for _, service := range services {
			if masterErr == nil {
				if err := e.agent.UninstallChart(ctx, master.IP, service); err != nil {
					rep.Error(fmt.Sprintf("uninstall chart %s: %v", service.Chart, err))
				}
			}
			if err := e.store.DeleteService(service.ID); err != nil {
				rep.Error(fmt.Sprintf("delete service row %s: %v", service.ID, err))
			}
			step(task, "workspace", "service-removed", service.Name)
		}

		// Volumes: unbind from the cluster, then destroy.
		volumes, err := e.store.ListVolumesByWorkspace(wsID)
		if err != nil {
			return fmt.Errorf("list volumes: %w", err)
		}
		nodes, err := e.store.ListNodesByWorkspace(wsID)
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}
		for _, volume := range volumes {
			for _, node := range nodes {
				if err := e.detachVolumeFromNode(ctx, rep, node, volume); err != nil {
					rep.Error(fmt.Sprintf("detach volume %s from %s: %v", volume.Name, node.IP, err))
				}
			}
			bindings, err := e.store.ListBindingsByVolume(volume.ID)
			if err == nil {
				for _, binding := range bindings {
					if err := e.store.DeleteVolumeBinding(binding.ID); err != nil {
						rep.Error(fmt.Sprintf("delete binding %s: %v", binding.ID, err))
					}
				}
			}
			if volume.Type == types.VolumeTypeGluster {
				if err := e.agent.DeleteGlusterVolume(ctx, volume); err != nil {
					rep.Error(fmt.Sprintf("delete gluster volume %s: %v", volume.Name, err))
				}
			}
			if err := e.store.DeleteVolume(volume.ID); err != nil {
				rep.Error(fmt.Sprintf("delete volume row %s: %v", volume.ID, err))
			}
			step(task, "workspace", "volume-removed", volume.Name)
		}

		// Cluster: workers first, master last.
		if masterErr == nil {
			workers, err := e.workersFor(wsID)
			if err != nil {
				return err
			}
			for _, worker := range workers {
				if err := e.agent.DetachNode(ctx, master.IP, worker.Hash); err != nil {
					rep.Error(fmt.Sprintf("detach worker %s: %v", worker.IP, err))
				}
				if err := e.agent.DeprovisionVM(ctx, hostIPFor(worker, e), worker.Hash); err != nil {
					rep.Error(fmt.Sprintf("deprovision worker %s: %v", worker.IP, err))
				}
				if err := e.store.DeleteNode(worker.ID); err != nil {
					rep.Error(fmt.Sprintf("delete worker row %s: %v", worker.ID, err))
				}
				e.leases.Return(ctx, worker.IP)
				step(task, "workspace", "worker-removed", worker.IP)
			}
			if err := e.agent.DeprovisionVM(ctx, hostIPFor(master, e), master.Hash); err != nil {
				rep.Error(fmt.Sprintf("deprovision master %s: %v", master.IP, err))
			}
			if err := e.store.DeleteNode(master.ID); err != nil {
				rep.Error(fmt.Sprintf("delete master row %s: %v", master.ID, err))
			}
			e.leases.Return(ctx, master.IP)
			step(task, "workspace", "master-removed", master.IP)
		}

		routes, err := e.store.ListRoutesByWorkspace(wsID)
		if err != nil {
			return fmt.Errorf("list routes: %w", err)
		}
		for _, route := range routes {
			if err := e.store.DeleteRoute(route.ID); err != nil {
				rep.Error(fmt.Sprintf("delete route %s: %v", route.ID, err))
			}
		}

		if _, err := e.refreshProxy(ctx); err != nil {
			return fmt.Errorf("refresh proxy config: %w", err)
		}

		rep.Info(fmt.Sprintf("workspace %s resources deprovisioned", wsID))
		return nil
	})
}
