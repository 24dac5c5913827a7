/*
Package types defines the core data structures shared across Helmsman's
control plane.

Helmsman orchestrates tenant Kubernetes clusters, storage volumes, services,
and application deployments across a fleet of pooled hosts. Physical actions
happen on remote agents; the control plane only records intent and outcome.
This package holds the durable shapes of that record:

  - Task: the unit of orchestration work, with a monotonic status state
    machine (PENDING -> IN_PROGRESS -> DONE/ERROR) and an append-only
    payload log that serves as the audit trail.
  - Node and Host: cluster membership. Hosts are the pooled machines;
    Nodes are per-tenant cluster members placed on them.
  - Volume and VolumeBinding: tenant storage and its attachment edges.
  - Service, Application, ApplicationVersion, Route: deployed workloads and
    their reachable endpoints. ApplicationVersion weights for one
    application always sum to 100; a Route references exactly one of
    application or service.

All enums are typed string constants so they serialize naturally and can be
matched exhaustively by package dispatcher.
*/
package types
