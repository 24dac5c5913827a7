package storage

import (
	"errors"

	"github.com/stackwave/helmsman/pkg/types"
)

// ErrNotFound is returned when a lookup misses. Callers that branch on a
// missing row test with errors.Is.
var ErrNotFound = errors.New("not found")

// Store defines the interface for control-plane state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Tasks. Tasks are never deleted; the payload log is the audit trail.
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error)
	UpdateTask(task *types.Task) error

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	ListNodesByWorkspace(workspaceID string) ([]*types.Node, error)
	DeleteNode(id string) error

	// Hosts
	CreateHost(host *types.Host) error
	GetHost(id string) (*types.Host, error)
	GetHostByIP(ip string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	UpdateHost(host *types.Host) error

	// Volumes
	CreateVolume(volume *types.Volume) error
	GetVolume(id string) (*types.Volume, error)
	GetVolumeByName(workspaceID, name string) (*types.Volume, error)
	ListVolumesByWorkspace(workspaceID string) ([]*types.Volume, error)
	UpdateVolume(volume *types.Volume) error
	DeleteVolume(id string) error

	// Volume bindings
	CreateVolumeBinding(binding *types.VolumeBinding) error
	ListBindingsByTarget(target types.TargetKind, targetID string) ([]*types.VolumeBinding, error)
	ListBindingsByVolume(volumeID string) ([]*types.VolumeBinding, error)
	DeleteVolumeBinding(id string) error

	// Services
	CreateService(service *types.Service) error
	GetService(id string) (*types.Service, error)
	ListServicesByWorkspace(workspaceID string) ([]*types.Service, error)
	DeleteService(id string) error

	// Applications
	CreateApplication(app *types.Application) error
	GetApplication(id string) (*types.Application, error)
	ListApplicationsByWorkspace(workspaceID string) ([]*types.Application, error)
	DeleteApplication(id string) error

	// Application versions
	CreateApplicationVersion(v *types.ApplicationVersion) error
	GetApplicationVersion(id string) (*types.ApplicationVersion, error)
	ListVersionsByApplication(appID string) ([]*types.ApplicationVersion, error)
	UpdateApplicationVersion(v *types.ApplicationVersion) error
	DeleteApplicationVersion(id string) error

	// Routes
	CreateRoute(route *types.Route) error
	GetRoute(id string) (*types.Route, error)
	ListRoutesByWorkspace(workspaceID string) ([]*types.Route, error)
	ListRoutes() ([]*types.Route, error)
	DeleteRoute(id string) error

	// UpdateAtomic runs fn inside one write transaction. Used where
	// multiple rows must change together (version weight rebalancing);
	// remote bus calls never happen inside fn.
	UpdateAtomic(fn func(tx Txn) error) error

	// Utility
	Close() error
}

// Txn is the write surface available inside UpdateAtomic.
type Txn interface {
	ListVersionsByApplication(appID string) ([]*types.ApplicationVersion, error)
	PutApplicationVersion(v *types.ApplicationVersion) error
	DeleteApplicationVersion(id string) error
	PutRoute(route *types.Route) error
	DeleteRoute(id string) error
}
