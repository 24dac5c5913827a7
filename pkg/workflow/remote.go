package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stackwave/helmsman/pkg/bus"
	"github.com/stackwave/helmsman/pkg/log"
	"github.com/stackwave/helmsman/pkg/types"
)

// Remote call names, one per agent-side operation.
const (
	callReportInventory = "report-inventory"

	callProvisionMaster = "provision-master"
	callProvisionWorker = "provision-worker"
	callDeprovisionVM   = "deprovision-vm"
	callDetachNode      = "detach-node"
	callTaintMaster     = "taint-master"
	callUntaintMaster   = "untaint-master"

	callCreateGluster  = "create-gluster-volume"
	callDeleteGluster  = "delete-gluster-volume"
	callMountGluster   = "mount-gluster-volume"
	callUnmountGluster = "unmount-gluster-volume"
	callAttachDevice   = "attach-local-device"
	callDetachDevice   = "detach-local-device"
	callMountLocal     = "mount-local-volume"
	callUnmountLocal   = "unmount-local-volume"
	callDeleteVolDir   = "delete-local-volume-dir"
	callListPVs        = "list-local-storage-pvs"
	callCreatePVDir    = "create-pv-dir"

	callInstallChart   = "install-chart"
	callUninstallChart = "uninstall-chart"

	callBuildImage     = "build-image"
	callDeleteImage    = "delete-image"
	callDeployWorkload = "deploy-workload"
	callRemoveWorkload = "remove-workload"
)

// Per-call timeouts. VM creation and image builds run long; plumbing calls
// answer quickly.
const (
	provisionTimeout = 15 * time.Minute
	buildTimeout     = 15 * time.Minute
	chartTimeout     = 5 * time.Minute
	volumeTimeout    = 2 * time.Minute
	controlTimeout   = 1 * time.Minute
)

// Remote implements Agent over the correlated message bus.
type Remote struct {
	bus *bus.Client
}

var _ Agent = (*Remote)(nil)

// NewRemote wraps a started bus client.
func NewRemote(client *bus.Client) *Remote {
	return &Remote{bus: client}
}

func (r *Remote) call(ctx context.Context, host, task string, payload any, timeout time.Duration) error {
	_, err := r.bus.Request(ctx, host, task, payload, timeout)
	return err
}

// CollectInventory broadcasts an inventory request to every agent of the
// given role and returns whoever answered within the collection window.
// Malformed answers are logged and skipped, not fatal: one broken agent
// must not hide the rest of the fleet.
func (r *Remote) CollectInventory(ctx context.Context, role string) ([]types.HostInventory, error) {
	payloads, err := r.bus.Collect(ctx, callReportInventory, map[string]string{"role": role})
	if err != nil {
		return nil, fmt.Errorf("collect inventory: %w", err)
	}

	inventories := make([]types.HostInventory, 0, len(payloads))
	for _, raw := range payloads {
		var inv types.HostInventory
		if err := json.Unmarshal(raw, &inv); err != nil {
			wlog := log.WithComponent("remote")
			wlog.Warn().Err(err).Msg("malformed inventory reply skipped")
			continue
		}
		if inv.IP == "" {
			continue
		}
		inventories = append(inventories, inv)
	}
	return inventories, nil
}

func (r *Remote) ProvisionMaster(ctx context.Context, hostIP string, node *types.Node) error {
	return r.call(ctx, hostIP, callProvisionMaster, map[string]string{
		"hash":        node.Hash,
		"ip":          node.IP,
		"hostname":    node.Hostname,
		"workspaceId": node.WorkspaceID,
	}, provisionTimeout)
}

func (r *Remote) ProvisionWorker(ctx context.Context, hostIP string, node *types.Node) error {
	return r.call(ctx, hostIP, callProvisionWorker, map[string]string{
		"hash":        node.Hash,
		"ip":          node.IP,
		"hostname":    node.Hostname,
		"workspaceId": node.WorkspaceID,
	}, provisionTimeout)
}

func (r *Remote) DeprovisionVM(ctx context.Context, hostIP, nodeHash string) error {
	return r.call(ctx, hostIP, callDeprovisionVM, map[string]string{"hash": nodeHash}, provisionTimeout)
}

func (r *Remote) DetachNode(ctx context.Context, masterIP, nodeHash string) error {
	return r.call(ctx, masterIP, callDetachNode, map[string]string{"hash": nodeHash}, controlTimeout)
}

func (r *Remote) TaintMaster(ctx context.Context, masterIP string) error {
	return r.call(ctx, masterIP, callTaintMaster, nil, controlTimeout)
}

func (r *Remote) UntaintMaster(ctx context.Context, masterIP string) error {
	return r.call(ctx, masterIP, callUntaintMaster, nil, controlTimeout)
}

func volumePayload(volume *types.Volume) map[string]any {
	return map[string]any{
		"volumeId": volume.ID,
		"name":     volume.Name,
		"secret":   volume.Secret,
		"size":     volume.Size,
		"type":     volume.Type,
	}
}

func (r *Remote) CreateGlusterVolume(ctx context.Context, volume *types.Volume) error {
	return r.call(ctx, bus.BroadcastTarget, callCreateGluster, volumePayload(volume), volumeTimeout)
}

func (r *Remote) DeleteGlusterVolume(ctx context.Context, volume *types.Volume) error {
	return r.call(ctx, bus.BroadcastTarget, callDeleteGluster, volumePayload(volume), volumeTimeout)
}

func (r *Remote) MountGlusterVolume(ctx context.Context, nodeIP string, volume *types.Volume) error {
	return r.call(ctx, nodeIP, callMountGluster, volumePayload(volume), volumeTimeout)
}

func (r *Remote) UnmountGlusterVolume(ctx context.Context, nodeIP string, volume *types.Volume) error {
	return r.call(ctx, nodeIP, callUnmountGluster, volumePayload(volume), volumeTimeout)
}

func (r *Remote) AttachLocalDevice(ctx context.Context, hostIP, nodeHash string, volume *types.Volume, portIndex int) error {
	payload := volumePayload(volume)
	payload["hash"] = nodeHash
	payload["portIndex"] = portIndex
	return r.call(ctx, hostIP, callAttachDevice, payload, volumeTimeout)
}

func (r *Remote) DetachLocalDevice(ctx context.Context, hostIP, nodeHash string, volume *types.Volume) error {
	payload := volumePayload(volume)
	payload["hash"] = nodeHash
	return r.call(ctx, hostIP, callDetachDevice, payload, volumeTimeout)
}

func (r *Remote) MountLocalVolume(ctx context.Context, nodeIP string, volume *types.Volume) error {
	return r.call(ctx, nodeIP, callMountLocal, volumePayload(volume), volumeTimeout)
}

func (r *Remote) UnmountLocalVolume(ctx context.Context, nodeIP string, volume *types.Volume) error {
	return r.call(ctx, nodeIP, callUnmountLocal, volumePayload(volume), volumeTimeout)
}

func (r *Remote) DeleteLocalVolumeDir(ctx context.Context, nodeIP string, volume *types.Volume) error {
	return r.call(ctx, nodeIP, callDeleteVolDir, volumePayload(volume), volumeTimeout)
}

func (r *Remote) ListLocalStoragePVs(ctx context.Context, masterIP string) ([]PersistentVolumeSpec, error) {
	resp, err := r.bus.Request(ctx, masterIP, callListPVs, nil, controlTimeout)
	if err != nil {
		return nil, err
	}
	var pvs []PersistentVolumeSpec
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &pvs); err != nil {
			return nil, fmt.Errorf("decode pv list: %w", err)
		}
	}
	return pvs, nil
}

func (r *Remote) CreatePVDir(ctx context.Context, nodeIP string, pv PersistentVolumeSpec) error {
	return r.call(ctx, nodeIP, callCreatePVDir, pv, volumeTimeout)
}

func (r *Remote) InstallChart(ctx context.Context, masterIP string, service *types.Service) error {
	return r.call(ctx, masterIP, callInstallChart, map[string]any{
		"name":        service.Name,
		"chart":       service.Chart,
		"virtualPort": service.VirtualPort,
	}, chartTimeout)
}

func (r *Remote) UninstallChart(ctx context.Context, masterIP string, service *types.Service) error {
	return r.call(ctx, masterIP, callUninstallChart, map[string]string{"name": service.Name}, chartTimeout)
}

func (r *Remote) BuildImage(ctx context.Context, masterIP string, app *types.Application, version, image string) error {
	return r.call(ctx, masterIP, callBuildImage, map[string]string{
		"application": app.Name,
		"version":     version,
		"image":       image,
	}, buildTimeout)
}

func (r *Remote) DeleteImage(ctx context.Context, masterIP string, image string) error {
	return r.call(ctx, masterIP, callDeleteImage, map[string]string{"image": image}, controlTimeout)
}

func (r *Remote) DeployWorkload(ctx context.Context, masterIP string, v *types.ApplicationVersion) error {
	return r.call(ctx, masterIP, callDeployWorkload, map[string]any{
		"versionId": v.ID,
		"version":   v.Version,
		"image":     v.Image,
		"weight":    v.Weight,
	}, chartTimeout)
}

func (r *Remote) RemoveWorkload(ctx context.Context, masterIP string, v *types.ApplicationVersion) error {
	return r.call(ctx, masterIP, callRemoveWorkload, map[string]string{
		"versionId": v.ID,
		"version":   v.Version,
	}, chartTimeout)
}
