package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackwave/helmsman/pkg/saga"
	"github.com/stackwave/helmsman/pkg/storage"
	"github.com/stackwave/helmsman/pkg/types"
)

type applicationParams struct {
	WorkspaceID   string `json:"workspaceId"`
	Name          string `json:"name"`
	ApplicationID string `json:"applicationId"`
	VersionID     string `json:"versionId"`
	Version       string `json:"version"`
	Image         string `json:"image"`
	Weight        int    `json:"weight"`
	Domain        string `json:"domain"`
	Subdomain     string `json:"subdomain"`
	VirtualPort   int    `json:"virtualPort"`
	TCP           bool   `json:"tcp"`
}

// DeployImage builds a container image on the workspace master. Builds run
// under the long remote timeout; the image becomes deployable material for
// version provisioning.
func (e *Engine) DeployImage(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "image", func(ctx context.Context, rep *reporter) error {
		var params applicationParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}

		app, err := e.store.GetApplication(params.ApplicationID)
		if err != nil {
			return fmt.Errorf("load application %s: %w", params.ApplicationID, err)
		}
		master, err := e.masterFor(app.WorkspaceID)
		if err != nil {
			return err
		}

		rep.Info(fmt.Sprintf("building image %s", params.Image))
		if err := e.agent.BuildImage(ctx, master.IP, app, params.Version, params.Image); err != nil {
			return fmt.Errorf("build image %s: %w", params.Image, err)
		}

		step(task, "image", "image-built", params.Image)
		rep.Info(fmt.Sprintf("image %s built", params.Image))
		return nil
	})
}

// DeleteImage removes a built image from the workspace master.
func (e *Engine) DeleteImage(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "image", func(ctx context.Context, rep *reporter) error {
		var params applicationParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}

		app, err := e.store.GetApplication(params.ApplicationID)
		if err != nil {
			return fmt.Errorf("load application %s: %w", params.ApplicationID, err)
		}
		master, err := e.masterFor(app.WorkspaceID)
		if err != nil {
			return err
		}

		if err := e.agent.DeleteImage(ctx, master.IP, params.Image); err != nil {
			return fmt.Errorf("delete image %s: %w", params.Image, err)
		}

		step(task, "image", "image-deleted", params.Image)
		return nil
	})
}

// ProvisionApplication records a new application and publishes its route.
// Versions arrive separately; an application with no versions serves
// nothing, so the proxy rule carries no splits yet.
func (e *Engine) ProvisionApplication(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "application", func(ctx context.Context, rep *reporter) error {
		var params applicationParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}
		if params.WorkspaceID == "" {
			params.WorkspaceID = task.TargetID
		}

		app := &types.Application{
			ID:          uuid.NewString(),
			Name:        params.Name,
			WorkspaceID: params.WorkspaceID,
		}

		undo := saga.New()

		if err := e.store.CreateApplication(app); err != nil {
			return fmt.Errorf("record application: %w", err)
		}
		undo.Push("delete application row", func(context.Context) error {
			return e.store.DeleteApplication(app.ID)
		})

		route := &types.Route{
			ID:            uuid.NewString(),
			WorkspaceID:   params.WorkspaceID,
			Domain:        params.Domain,
			Subdomain:     params.Subdomain,
			VirtualPort:   params.VirtualPort,
			TCP:           params.TCP,
			ApplicationID: app.ID,
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

		undo.Discard()
		step(task, "application", "application-created", app.Name)
		rep.Info(fmt.Sprintf("application %s provisioned", app.Name))
		return nil
	})
}

// DeprovisionApplication removes an application, its versions' workloads,
// its routes, and its rows.
func (e *Engine) DeprovisionApplication(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "application", func(ctx context.Context, rep *reporter) error {
		var params applicationParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}

		app, err := e.store.GetApplication(params.ApplicationID)
		if err != nil {
			return fmt.Errorf("load application %s: %w", params.ApplicationID, err)
		}
		master, err := e.masterFor(app.WorkspaceID)
		if err != nil {
			return err
		}

		versions, err := e.store.ListVersionsByApplication(app.ID)
		if err != nil {
			return fmt.Errorf("list versions: %w", err)
		}
		for _, v := range versions {
			if err := e.agent.RemoveWorkload(ctx, master.IP, v); err != nil {
				return fmt.Errorf("remove workload %s: %w", v.Version, err)
			}
			if err := e.store.DeleteApplicationVersion(v.ID); err != nil {
				return fmt.Errorf("delete version row %s: %w", v.ID, err)
			}
			step(task, "application", "version-removed", v.Version)
		}

		routes, err := e.store.ListRoutesByWorkspace(app.WorkspaceID)
		if err != nil {
			return fmt.Errorf("list routes: %w", err)
		}
		for _, route := range routes {
			if route.ApplicationID != app.ID {
				continue
			}
			if err := e.store.DeleteRoute(route.ID); err != nil {
				return fmt.Errorf("delete route %s: %w", route.ID, err)
			}
		}

		if _, err := e.refreshProxy(ctx); err != nil {
			return fmt.Errorf("refresh proxy config: %w", err)
		}

		if err := e.store.DeleteApplication(app.ID); err != nil {
			return fmt.Errorf("delete application row: %w", err)
		}

		rep.Info(fmt.Sprintf("application %s deprovisioned", app.Name))
		return nil
	})
}

// ProvisionApplicationVersion deploys a new version's workload and folds it
// into the traffic split at the requested weight (all traffic when it is
// the only version).
func (e *Engine) ProvisionApplicationVersion(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "application", func(ctx context.Context, rep *reporter) error {
		var params applicationParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}

		app, err := e.store.GetApplication(params.ApplicationID)
		if err != nil {
			return fmt.Errorf("load application %s: %w", params.ApplicationID, err)
		}
		master, err := e.masterFor(app.WorkspaceID)
		if err != nil {
			return err
		}

		version := &types.ApplicationVersion{
			ID:            uuid.NewString(),
			ApplicationID: app.ID,
			Version:       params.Version,
			Image:         params.Image,
		}

		undo := saga.New()

		if err := e.agent.DeployWorkload(ctx, master.IP, version); err != nil {
			return fmt.Errorf("deploy workload %s: %w", params.Version, err)
		}
		undo.Push("remove workload", func(ctx context.Context) error {
			return e.agent.RemoveWorkload(ctx, master.IP, version)
		})

		weight := params.Weight
		err = e.store.UpdateAtomic(func(tx storage.Txn) error {
			existing, err := tx.ListVersionsByApplication(app.ID)
			if err != nil {
				return err
			}
			if len(existing) == 0 || weight >= 100 {
				weight = 100
			}
			version.Weight = weight
			if err := tx.PutApplicationVersion(version); err != nil {
				return err
			}
			return rebalanceWeights(tx, app.ID, map[string]int{version.ID: weight})
		})
		if err != nil {
			undo.Unwind(ctx)
			return fmt.Errorf("record version: %w", err)
		}
		undo.Push("delete version row", func(context.Context) error {
			return e.store.DeleteApplicationVersion(version.ID)
		})
		step(task, "application", "version-deployed", version.Version)

		backup, err := e.refreshProxy(ctx)
		if err != nil {
			undo.Unwind(ctx)
			return fmt.Errorf("refresh proxy config: %w", err)
		}
		undo.Push("restore proxy config", func(ctx context.Context) error {
			return e.proxy.Restore(ctx, backup)
		})

		undo.Discard()
		rep.Info(fmt.Sprintf("version %s live at weight %d", version.Version, version.Weight))
		return nil
	})
}

// DeprovisionApplicationVersion removes one version's workload and
// redistributes its traffic share across the survivors.
func (e *Engine) DeprovisionApplicationVersion(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "application", func(ctx context.Context, rep *reporter) error {
		var params applicationParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}

		version, err := e.store.GetApplicationVersion(params.VersionID)
		if err != nil {
			return fmt.Errorf("load version %s: %w", params.VersionID, err)
		}
		app, err := e.store.GetApplication(version.ApplicationID)
		if err != nil {
			return fmt.Errorf("load application %s: %w", version.ApplicationID, err)
		}
		master, err := e.masterFor(app.WorkspaceID)
		if err != nil {
			return err
		}

		if err := e.agent.RemoveWorkload(ctx, master.IP, version); err != nil {
			return fmt.Errorf("remove workload %s: %w", version.Version, err)
		}

		err = e.store.UpdateAtomic(func(tx storage.Txn) error {
			if err := tx.DeleteApplicationVersion(version.ID); err != nil {
				return err
			}
			return rebalanceWeights(tx, app.ID, nil)
		})
		if err != nil {
			return fmt.Errorf("rebalance weights: %w", err)
		}
		step(task, "application", "version-removed", version.Version)

		if _, err := e.refreshProxy(ctx); err != nil {
			return fmt.Errorf("refresh proxy config: %w", err)
		}

		rep.Info(fmt.Sprintf("version %s deprovisioned", version.Version))
		return nil
	})
}

// ReplaceApplication swaps all traffic to one version: deploy it at weight
// 100 and remove every older version's workload.
func (e *Engine) ReplaceApplication(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "application", func(ctx context.Context, rep *reporter) error {
		var params applicationParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}

		app, err := e.store.GetApplication(params.ApplicationID)
		if err != nil {
			return fmt.Errorf("load application %s: %w", params.ApplicationID, err)
		}
		master, err := e.masterFor(app.WorkspaceID)
		if err != nil {
			return err
		}

		old, err := e.store.ListVersionsByApplication(app.ID)
		if err != nil {
			return fmt.Errorf("list versions: %w", err)
		}

		replacement := &types.ApplicationVersion{
			ID:            uuid.NewString(),
			ApplicationID: app.ID,
			Version:       params.Version,
			Image:         params.Image,
			Weight:        100,
		}

		undo := saga.New()

		if err := e.agent.DeployWorkload(ctx, master.IP, replacement); err != nil {
			return fmt.Errorf("deploy replacement %s: %w", params.Version, err)
		}
		undo.Push("remove replacement workload", func(ctx context.Context) error {
			return e.agent.RemoveWorkload(ctx, master.IP, replacement)
		})

		err = e.store.UpdateAtomic(func(tx storage.Txn) error {
			for _, v := range old {
				if err := tx.DeleteApplicationVersion(v.ID); err != nil {
					return err
				}
			}
			return tx.PutApplicationVersion(replacement)
		})
		if err != nil {
			undo.Unwind(ctx)
			return fmt.Errorf("swap version rows: %w", err)
		}

		backup, err := e.refreshProxy(ctx)
		if err != nil {
			undo.Unwind(ctx)
			return fmt.Errorf("refresh proxy config: %w", err)
		}
		undo.Push("restore proxy config", func(ctx context.Context) error {
			return e.proxy.Restore(ctx, backup)
		})

		// Old workloads go last: traffic has already moved, and a removal
		// failure must not strand the app with no live version.
		for _, v := range old {
			if err := e.agent.RemoveWorkload(ctx, master.IP, v); err != nil {
				rep.Error(fmt.Sprintf("remove superseded workload %s: %v", v.Version, err))
			}
			step(task, "application", "version-replaced", v.Version)
		}

		undo.Discard()
		rep.Info(fmt.Sprintf("application %s replaced by version %s", app.Name, params.Version))
		return nil
	})
}

// CanaryApplication re-splits traffic: the named version gets the requested
// weight and the rest is floor-distributed across the other versions.
func (e *Engine) CanaryApplication(ctx context.Context, task *types.Task) error {
	return e.run(ctx, task, "application", func(ctx context.Context, rep *reporter) error {
		var params applicationParams
		if err := decodeParams(task, &params); err != nil {
			return err
		}
		if params.Weight < 0 || params.Weight > 100 {
			return fmt.Errorf("canary weight %d out of range", params.Weight)
		}

		version, err := e.store.GetApplicationVersion(params.VersionID)
		if err != nil {
			return fmt.Errorf("load version %s: %w", params.VersionID, err)
		}

		err = e.store.UpdateAtomic(func(tx storage.Txn) error {
			return rebalanceWeights(tx, version.ApplicationID, map[string]int{version.ID: params.Weight})
		})
		if err != nil {
			return fmt.Errorf("rebalance weights: %w", err)
		}
		step(task, "application", "traffic-split", fmt.Sprintf("%s=%d", version.Version, params.Weight))

		if _, err := e.refreshProxy(ctx); err != nil {
			return fmt.Errorf("refresh proxy config: %w", err)
		}

		rep.Info(fmt.Sprintf("canary split applied, version %s at %d%%", version.Version, params.Weight))
		return nil
	})
}

// rebalanceWeights rewrites an application's version weights so they sum to
// exactly 100. pinned entries keep their stated weight; the remainder is
// floor-distributed over the rest with the leftover added to the last
// version. Runs inside one write transaction.
func rebalanceWeights(tx storage.Txn, appID string, pinned map[string]int) error {
	versions, err := tx.ListVersionsByApplication(appID)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return nil
	}

	pinnedTotal := 0
	var free []*types.ApplicationVersion
	for _, v := range versions {
		if w, ok := pinned[v.ID]; ok {
			v.Weight = w
			pinnedTotal += w
		} else {
			free = append(free, v)
		}
	}

	remaining := 100 - pinnedTotal
	if remaining < 0 {
		return fmt.Errorf("pinned weights exceed 100 for application %s", appID)
	}
	if len(free) == 0 {
		// Every version pinned: the last one absorbs the leftover so the
		// sum stays exactly 100.
		versions[len(versions)-1].Weight += remaining
	} else {
		share := remaining / len(free)
		for _, v := range free {
			v.Weight = share
		}
		free[len(free)-1].Weight += remaining - share*len(free)
	}

	for _, v := range versions {
		if err := tx.PutApplicationVersion(v); err != nil {
			return err
		}
	}
	return nil
}
