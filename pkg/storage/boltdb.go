package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/stackwave/helmsman/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks          = []byte("tasks")
	bucketNodes          = []byte("nodes")
	bucketHosts          = []byte("hosts")
	bucketVolumes        = []byte("volumes")
	bucketVolumeBindings = []byte("volume_bindings")
	bucketServices       = []byte("services")
	bucketApplications   = []byte("applications")
	bucketAppVersions    = []byte("application_versions")
	bucketRoutes         = []byte("routes")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "helmsman.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketNodes,
			bucketHosts,
			bucketVolumes,
			bucketVolumeBindings,
			bucketServices,
			bucketApplications,
			bucketAppVersions,
			bucketRoutes,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket []byte, id string, v any) error {
	b := tx.Bucket(bucket)
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func get(tx *bolt.Tx, bucket []byte, id string, v any) error {
	b := tx.Bucket(bucket)
	data := b.Get([]byte(id))
	if data == nil {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, id)
	}
	return json.Unmarshal(data, v)
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTasks, task.ID, task)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketTasks, id, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortTasksByCreation(tasks)
	return tasks, nil
}

// ListTasksByStatus returns tasks with the given status in creation order,
// oldest first. The dispatcher relies on this for FIFO fairness.
func (s *BoltStore) ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Task
	for _, task := range tasks {
		if task.Status == status {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task) // upsert
}

func sortTasksByCreation(tasks []*types.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketNodes, node.ID, node)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketNodes, id, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) ListNodesByWorkspace(workspaceID string) ([]*types.Node, error) {
	nodes, err := s.ListNodes()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Node
	for _, node := range nodes {
		if node.WorkspaceID == workspaceID {
			filtered = append(filtered, node)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// Host operations

func (s *BoltStore) CreateHost(host *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketHosts, host.ID, host)
	})
}

func (s *BoltStore) GetHost(id string) (*types.Host, error) {
	var host types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketHosts, id, &host)
	})
	if err != nil {
		return nil, err
	}
	return &host, nil
}

func (s *BoltStore) GetHostByIP(ip string) (*types.Host, error) {
	var found *types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.ForEach(func(k, v []byte) error {
			var host types.Host
			if err := json.Unmarshal(v, &host); err != nil {
				return err
			}
			if host.IP == ip {
				found = &host
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: host ip %s", ErrNotFound, ip)
	}
	return found, nil
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.ForEach(func(k, v []byte) error {
			var host types.Host
			if err := json.Unmarshal(v, &host); err != nil {
				return err
			}
			hosts = append(hosts, &host)
			return nil
		})
	})
	return hosts, err
}

func (s *BoltStore) UpdateHost(host *types.Host) error {
	return s.CreateHost(host)
}

// Volume operations

func (s *BoltStore) CreateVolume(volume *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketVolumes, volume.ID, volume)
	})
}

func (s *BoltStore) GetVolume(id string) (*types.Volume, error) {
	var volume types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketVolumes, id, &volume)
	})
	if err != nil {
		return nil, err
	}
	return &volume, nil
}

func (s *BoltStore) GetVolumeByName(workspaceID, name string) (*types.Volume, error) {
	volumes, err := s.ListVolumesByWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	for _, volume := range volumes {
		if volume.Name == name {
			return volume, nil
		}
	}
	return nil, fmt.Errorf("%w: volume %s", ErrNotFound, name)
}

func (s *BoltStore) ListVolumesByWorkspace(workspaceID string) ([]*types.Volume, error) {
	var volumes []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		return b.ForEach(func(k, v []byte) error {
			var volume types.Volume
			if err := json.Unmarshal(v, &volume); err != nil {
				return err
			}
			if volume.WorkspaceID == workspaceID {
				volumes = append(volumes, &volume)
			}
			return nil
		})
	})
	return volumes, err
}

func (s *BoltStore) UpdateVolume(volume *types.Volume) error {
	return s.CreateVolume(volume)
}

func (s *BoltStore) DeleteVolume(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).Delete([]byte(id))
	})
}

// Volume binding operations

func (s *BoltStore) CreateVolumeBinding(binding *types.VolumeBinding) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketVolumeBindings, binding.ID, binding)
	})
}

func (s *BoltStore) listBindings(filter func(*types.VolumeBinding) bool) ([]*types.VolumeBinding, error) {
	var bindings []*types.VolumeBinding
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumeBindings)
		return b.ForEach(func(k, v []byte) error {
			var binding types.VolumeBinding
			if err := json.Unmarshal(v, &binding); err != nil {
				return err
			}
			if filter(&binding) {
				bindings = append(bindings, &binding)
			}
			return nil
		})
	})
	return bindings, err
}

func (s *BoltStore) ListBindingsByTarget(target types.TargetKind, targetID string) ([]*types.VolumeBinding, error) {
	return s.listBindings(func(b *types.VolumeBinding) bool {
		return b.Target == target && b.TargetID == targetID
	})
}

func (s *BoltStore) ListBindingsByVolume(volumeID string) ([]*types.VolumeBinding, error) {
	return s.listBindings(func(b *types.VolumeBinding) bool {
		return b.VolumeID == volumeID
	})
}

func (s *BoltStore) DeleteVolumeBinding(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumeBindings).Delete([]byte(id))
	})
}

// Service operations

func (s *BoltStore) CreateService(service *types.Service) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketServices, service.ID, service)
	})
}

func (s *BoltStore) GetService(id string) (*types.Service, error) {
	var service types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketServices, id, &service)
	})
	if err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) ListServicesByWorkspace(workspaceID string) ([]*types.Service, error) {
	var services []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			var service types.Service
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			if service.WorkspaceID == workspaceID {
				services = append(services, &service)
			}
			return nil
		})
	})
	return services, err
}

func (s *BoltStore) DeleteService(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Delete([]byte(id))
	})
}

// Application operations

func (s *BoltStore) CreateApplication(app *types.Application) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketApplications, app.ID, app)
	})
}

func (s *BoltStore) GetApplication(id string) (*types.Application, error) {
	var app types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketApplications, id, &app)
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *BoltStore) ListApplicationsByWorkspace(workspaceID string) ([]*types.Application, error) {
	var apps []*types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		return b.ForEach(func(k, v []byte) error {
			var app types.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			if app.WorkspaceID == workspaceID {
				apps = append(apps, &app)
			}
			return nil
		})
	})
	return apps, err
}

func (s *BoltStore) DeleteApplication(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApplications).Delete([]byte(id))
	})
}

// Application version operations

func (s *BoltStore) CreateApplicationVersion(v *types.ApplicationVersion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketAppVersions, v.ID, v)
	})
}

func (s *BoltStore) GetApplicationVersion(id string) (*types.ApplicationVersion, error) {
	var version types.ApplicationVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketAppVersions, id, &version)
	})
	if err != nil {
		return nil, err
	}
	return &version, nil
}

func (s *BoltStore) ListVersionsByApplication(appID string) ([]*types.ApplicationVersion, error) {
	var versions []*types.ApplicationVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		versions0, err := listVersionsTx(tx, appID)
		versions = versions0
		return err
	})
	return versions, err
}

func listVersionsTx(tx *bolt.Tx, appID string) ([]*types.ApplicationVersion, error) {
	var versions []*types.ApplicationVersion
	b := tx.Bucket(bucketAppVersions)
	err := b.ForEach(func(k, v []byte) error {
		var version types.ApplicationVersion
		if err := json.Unmarshal(v, &version); err != nil {
			return err
		}
		if version.ApplicationID == appID {
			versions = append(versions, &version)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].CreatedAt.Before(versions[j].CreatedAt)
	})
	return versions, nil
}

func (s *BoltStore) UpdateApplicationVersion(v *types.ApplicationVersion) error {
	return s.CreateApplicationVersion(v)
}

func (s *BoltStore) DeleteApplicationVersion(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAppVersions).Delete([]byte(id))
	})
}

// Route operations

func (s *BoltStore) CreateRoute(route *types.Route) error {
	if err := validateRoute(route); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRoutes, route.ID, route)
	})
}

// validateRoute enforces route exclusivity: exactly one of application and
// service may be referenced.
func validateRoute(route *types.Route) error {
	hasApp := route.ApplicationID != ""
	hasSvc := route.ServiceID != ""
	if hasApp == hasSvc {
		return fmt.Errorf("route %s must reference exactly one of application or service", route.ID)
	}
	return nil
}

func (s *BoltStore) GetRoute(id string) (*types.Route, error) {
	var route types.Route
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketRoutes, id, &route)
	})
	if err != nil {
		return nil, err
	}
	return &route, nil
}

func (s *BoltStore) ListRoutes() ([]*types.Route, error) {
	var routes []*types.Route
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		return b.ForEach(func(k, v []byte) error {
			var route types.Route
			if err := json.Unmarshal(v, &route); err != nil {
				return err
			}
			routes = append(routes, &route)
			return nil
		})
	})
	return routes, err
}

func (s *BoltStore) ListRoutesByWorkspace(workspaceID string) ([]*types.Route, error) {
	routes, err := s.ListRoutes()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Route
	for _, route := range routes {
		if route.WorkspaceID == workspaceID {
			filtered = append(filtered, route)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteRoute(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutes).Delete([]byte(id))
	})
}

// Atomic multi-write scope

// boltTxn adapts a bbolt write transaction to the Txn interface.
type boltTxn struct {
	tx *bolt.Tx
}

func (t *boltTxn) ListVersionsByApplication(appID string) ([]*types.ApplicationVersion, error) {
	return listVersionsTx(t.tx, appID)
}

func (t *boltTxn) PutApplicationVersion(v *types.ApplicationVersion) error {
	return put(t.tx, bucketAppVersions, v.ID, v)
}

func (t *boltTxn) DeleteApplicationVersion(id string) error {
	return t.tx.Bucket(bucketAppVersions).Delete([]byte(id))
}

func (t *boltTxn) PutRoute(route *types.Route) error {
	if err := validateRoute(route); err != nil {
		return err
	}
	return put(t.tx, bucketRoutes, route.ID, route)
}

func (t *boltTxn) DeleteRoute(id string) error {
	return t.tx.Bucket(bucketRoutes).Delete([]byte(id))
}

// UpdateAtomic runs fn inside a single write transaction; an error from fn
// rolls back every write made through the Txn.
func (s *BoltStore) UpdateAtomic(fn func(tx Txn) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}
