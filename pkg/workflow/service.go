package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackwave/helmsman/pkg/saga"
	"github.com/stackwave/helmsman/pkg/types"
)

type serviceParams struct {
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	Chart       string `json:"chart"`
	ServiceID   string `json:"serviceId"`
	Domain      string `json:"domain"`
	Subdomain   string `json:"subdomain"`
	VirtualPort int    `json:"virtualPort"`
	TCP         bool   `json:"tcp"`
}

// ProvisionService installs a chart on the workspace cluster, records the
// service and its route, and regenerates the proxy config. Any failure
// after the config was touched restores it from backup.
func (e *Engine) ProvisionService(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "service", func(ctx context.Context, rep *reporter) error {
		var params serviceParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}
		if params.WorkspaceID == "" {
			params.WorkspaceID = task.TargetID
		}

		master, err := e.masterFor(params.WorkspaceID)
		if err != nil {
			return err
		}

		service := &types.Service{
			ID:          uuid.NewString(),
			Name:        params.Name,
			Chart:       params.Chart,
			WorkspaceID: params.WorkspaceID,
			VirtualPort: params.VirtualPort,
		}

		undo := saga.New()

		if err := e.agent.InstallChart(ctx, master.IP, service); err != nil {
			return fmt.Errorf("install chart %s: %w", params.Chart, err)
		}
		undo.Push("uninstall chart", func(ctx context.Context) error {
			return e.agent.UninstallChart(ctx, master.IP, service)
		})

		if err := e.store.CreateService(service); err != nil {
			undo.Unwind(ctx)
			return fmt.Errorf("record service: %w", err)
		}
		undo.Push("delete service row", func(context.Context) error {
			return e.store.DeleteService(service.ID)
		})
		step(task, "service", "chart-installed", service.Name)

		route := &types.Route{
			ID:          uuid.NewString(),
			WorkspaceID: params.WorkspaceID,
			Domain:      params.Domain,
			Subdomain:   params.Subdomain,
			VirtualPort: params.VirtualPort,
			TCP:         params.TCP,
			ServiceID:   service.ID,
		}
		if err := e.store.CreateRoute(route); err != nil {
			undo.Unwind(ctx)
			return fmt.Errorf("record route: %w", err)
		}
		undo.Push("delete route row", func(context.Context) error {
			return e.store.DeleteRoute(route.ID)
		})

		backup, err := e.refreshProxy(ctx)
		if err != nil {
			undo.Unwind(ctx)
			return fmt.Errorf("refresh proxy config: %w", err)
		}
		undo.Push("restore proxy config", func(ctx context.Context) error {
			return e.proxy.Restore(ctx, backup)
		})
		step(task, "service", "route-published", route.Domain)

		undo.Discard()
		rep.Info(fmt.Sprintf("service %s provisioned", service.Name))
		return nil
	})
}

// DeprovisionService reverses ProvisionService: drop the route, regenerate
// the proxy config, uninstall the chart, delete the rows.
func (e *Engine) DeprovisionService(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "service", func(ctx context.Context, rep *reporter) error {
		var params serviceParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}

		service, err := e.store.GetService(params.ServiceID)
		if err != nil {
			return fmt.Errorf("load service %s: %w", params.ServiceID, err)
		}

		master, err := e.masterFor(service.WorkspaceID)
		if err != nil {
			return err
		}

		routes, err := e.store.ListRoutesByWorkspace(service.WorkspaceID)
		if err != nil {
			return fmt.Errorf("list routes: %w", err)
		}
		for _, route := range routes {
			if route.ServiceID != service.ID {
				continue
			}
			if err := e.store.DeleteRoute(route.ID); err != nil {
				return fmt.Errorf("delete route %s: %w", route.ID, err)
			}
		}

		if _, err := e.refreshProxy(ctx); err != nil {
			return fmt.Errorf("refresh proxy config: %w", err)
		}
		step(task, "service", "route-removed", service.Name)

		if err := e.agent.UninstallChart(ctx, master.IP, service); err != nil {
			return fmt.Errorf("uninstall chart %s: %w", service.Chart, err)
		}
		step(task, "service", "chart-uninstalled", service.Name)

		if err := e.store.DeleteService(service.ID); err != nil {
			return fmt.Errorf("delete service row: %w", err)
		}

		rep.Info(fmt.Sprintf("service %s deprovisioned", service.Name))
		return nil
	})
}
