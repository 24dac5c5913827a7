package types

import (
	"encoding/json"
	"time"
)

// Task is a durable unit of orchestration work. Tasks are created by the
// resource layer (or by a handler scheduling follow-up work), picked up by
// the dispatcher, and mutated exclusively through status transitions plus
// append-only payload entries. Tasks are never deleted; the payload is the
// audit trail an operator reads after a crash.
type Task struct {
	ID        string
	TaskID    string // external idempotency tag
	Type      TaskType
	Target    TargetKind
	TargetID  string
	Status    TaskStatus
	Payload   []PayloadEntry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Append adds one payload entry with the current timestamp and bumps
// UpdatedAt. The payload is append-only; nothing ever rewrites prior
// entries.
func (t *Task) Append(entry PayloadEntry) {
	now := time.Now()
	entry.Timestamp = now
	t.Payload = append(t.Payload, entry)
	t.UpdatedAt = now
}

// SessionID returns the progress-stream session recorded in the initial
// payload entry, or empty when the task carries none.
func (t *Task) SessionID() string {
	if len(t.Payload) == 0 {
		return ""
	}
	return t.Payload[0].SessionID
}

// Params returns the operation input parameters from the initial payload
// entry.
func (t *Task) Params() json.RawMessage {
	if len(t.Payload) == 0 {
		return nil
	}
	return t.Payload[0].Params
}

// TaskStatus is the task state machine. Transitions are monotonic:
// PENDING -> IN_PROGRESS -> {DONE | ERROR}. Terminal states are never left.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusDone       TaskStatus = "DONE"
	TaskStatusError      TaskStatus = "ERROR"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusError
}

// TaskType identifies which workflow handler owns a task.
type TaskType string

const (
	TaskCreateCluster         TaskType = "CREATE-K8S-CLUSTER"
	TaskUpdateCluster         TaskType = "UPDATE-K8S-CLUSTER"
	TaskDeprovisionWorkspace  TaskType = "DEPROVISION-WORKSPACE-RESOURCES"
	TaskProvisionVolume       TaskType = "PROVISION-VOLUME"
	TaskDeprovisionVolume     TaskType = "DEPROVISION-VOLUME"
	TaskBindVolume            TaskType = "BIND-VOLUME"
	TaskUnbindVolume          TaskType = "UNBIND-VOLUME"
	TaskProvisionService      TaskType = "PROVISION-SERVICE"
	TaskDeprovisionService    TaskType = "DEPROVISION-SERVICE"
	TaskDeployImage           TaskType = "DEPLOY-IMAGE"
	TaskDeleteImage           TaskType = "DELETE-IMAGE"
	TaskProvisionApp          TaskType = "PROVISION-APPLICATION"
	TaskDeprovisionApp        TaskType = "DEPROVISION-APPLICATION"
	TaskReplaceApp            TaskType = "REPLACE-APPLICATION"
	TaskCanaryApp             TaskType = "CANARY-APPLICATION"
	TaskProvisionAppVersion   TaskType = "PROVISION-APPLICATION-VERSION"
	TaskDeprovisionAppVersion TaskType = "DEPROVISION-APPLICATION-VERSION"
)

// AllTaskTypes enumerates the closed set the dispatcher routes on. A task
// whose type is not in this set goes straight to ERROR.
var AllTaskTypes = []TaskType{
	TaskCreateCluster,
	TaskUpdateCluster,
	TaskDeprovisionWorkspace,
	TaskProvisionVolume,
	TaskDeprovisionVolume,
	TaskBindVolume,
	TaskUnbindVolume,
	TaskProvisionService,
	TaskDeprovisionService,
	TaskDeployImage,
	TaskDeleteImage,
	TaskProvisionApp,
	TaskDeprovisionApp,
	TaskReplaceApp,
	TaskCanaryApp,
	TaskProvisionAppVersion,
	TaskDeprovisionAppVersion,
}

// TargetKind names what a task operates on.
type TargetKind string

const (
	TargetWorkspace TargetKind = "workspace"
	TargetVM        TargetKind = "vm"
)

// PayloadEntry is one element of a task's append-only payload log. The
// first entry holds the operation's input parameters and the progress-stream
// session id; subsequent entries record status transitions and step
// outcomes.
type PayloadEntry struct {
	Type      string          `json:"type"`
	Step      string          `json:"step,omitempty"`
	Component string          `json:"component,omitempty"`
	Message   string          `json:"message,omitempty"`
	SessionID string          `json:"socketId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// Node is a logical member of a tenant's Kubernetes cluster, running on a
// pooled Host.
type Node struct {
	ID          string
	Hash        string
	Role        NodeRole
	IP          string
	Hostname    string
	WorkspaceID string
	HostID      string
	CreatedAt   time.Time
}

// NodeRole distinguishes control-plane from workload members.
type NodeRole string

const (
	NodeRoleMaster NodeRole = "MASTER"
	NodeRoleWorker NodeRole = "WORKER"
)

// Host is a physical or virtual machine capable of hosting nodes, pooled
// across tenants. Hosts are created lazily the first time they answer an
// inventory broadcast.
type Host struct {
	ID        string
	IP        string
	Hostname  string
	Status    HostStatus
	CreatedAt time.Time
}

// HostStatus is the host availability state.
type HostStatus string

const (
	HostStatusReady HostStatus = "READY"
	HostStatusDown  HostStatus = "DOWN"
)

// HostInventory is one host's answer to an inventory broadcast: identity
// plus whichever capacity figure the collecting role asked for.
type HostInventory struct {
	IP        string `json:"ip"`
	Hostname  string `json:"hostname"`
	Memory    int64  `json:"memory,omitempty"`    // free memory, MB
	DiskSpace int64  `json:"diskSpace,omitempty"` // free disk, MB
}

// Volume is tenant persistent storage. Secret doubles as a lookup key and a
// directory-naming component and must be unguessable. PortIndex is the VM
// device-attachment slot for local volumes; nil while unattached.
type Volume struct {
	ID          string
	Name        string
	Size        int64 // MB
	Secret      string
	Type        VolumeType
	WorkspaceID string
	PortIndex   *int
	CreatedAt   time.Time
}

// VolumeType selects the storage backend.
type VolumeType string

const (
	VolumeTypeGluster VolumeType = "gluster"
	VolumeTypeLocal   VolumeType = "local"
)

// VolumeBinding records that a volume is mounted onto a target.
type VolumeBinding struct {
	ID       string
	Target   TargetKind
	TargetID string
	VolumeID string
}

// Service is a deployed supporting workload (database, broker, ...) with an
// externally reachable endpoint.
type Service struct {
	ID          string
	Name        string
	Chart       string
	WorkspaceID string
	VirtualPort int
	CreatedAt   time.Time
}

// Application is a tenant workload deployed from a built image.
type Application struct {
	ID          string
	Name        string
	WorkspaceID string
	CreatedAt   time.Time
}

// ApplicationVersion is one deployed revision of an application. Weight is
// the traffic share in percent; across the live versions of one application
// the weights always sum to 100.
type ApplicationVersion struct {
	ID            string
	ApplicationID string
	Version       string
	Image         string
	Weight        int
	CreatedAt     time.Time
}

// Route is an externally reachable endpoint. Exactly one of ApplicationID
// and ServiceID is set.
type Route struct {
	ID            string
	WorkspaceID   string
	Domain        string
	Subdomain     string
	VirtualPort   int
	TCP           bool
	ApplicationID string
	ServiceID     string
	CreatedAt     time.Time
}
