/*
Package storage provides durable control-plane state storage for Helmsman.

The Store interface exposes CRUD for every persisted entity (tasks, nodes,
hosts, volumes, bindings, services, applications, versions, routes) and is
implemented by BoltStore on top of BoltDB: one bucket per entity, values
JSON-encoded, keys the entity id.

# Design

	┌──────────────────────────────────────────────┐
	│                 BoltStore                    │
	│  tasks        │ append-only audit payloads   │
	│  nodes        │ per-workspace cluster members│
	│  hosts        │ pooled machines              │
	│  volumes      │ + volume_bindings edges      │
	│  services     │                              │
	│  applications │ + application_versions       │
	│  routes       │ exclusivity validated on put │
	└──────────────────────────────────────────────┘

Tasks are never deleted. ListTasksByStatus returns creation order (oldest
first) so the dispatcher gets FIFO fairness.

# Atomicity

Individual writes are each their own BoltDB transaction. Where several rows
must change together but no remote call intervenes (rebalancing version
weights after a canary or removal), UpdateAtomic exposes a single write
transaction through the narrow Txn interface. Remote bus calls never execute
inside that scope; cross-remote consistency is the job of the workflow
compensation logs, not the database.

Lookups that miss return an error wrapping ErrNotFound.
*/
package storage
