/*
Package dispatcher moves tasks from PENDING through their workflow handlers
while guaranteeing at most one in-flight execution per task id.

# Flow

	               ┌────────────────────────────────────┐
	notification ─►│                                    │
	(bus task.new) │  ProcessPendingTasks(taskID)       │
	               │    re-check PENDING                │
	1m sweep ─────►│  ProcessPendingTasks("")           │──► handler
	(backstop)     │    FIFO over all PENDING           │    goroutine
	               │                                    │
	10m sweep ────►│  sweepStale: IN_PROGRESS past      │
	               │  threshold -> ERROR                │
	               └────────────────────────────────────┘

The single-flight guard is an in-memory set keyed by task id, acquired
before the handler goroutine starts and released in a defer regardless of
outcome. Candidates whose id is already held are skipped silently; a second
concurrent ProcessPendingTasks call therefore executes a given task at most
once.

# Task state machine

PENDING -> IN_PROGRESS happens here, with a payload entry per transition.
The handler owns the DONE/ERROR transition as its final unconditional
action; the dispatcher only writes ERROR as a last resort (unknown task
type, escaped handler error, panic, staleness). Terminal states are never
left; retrying means creating a new task row.

# Staleness

An IN_PROGRESS task untouched past the configured threshold and not held by
this process's guard is a crash record. The maintenance sweep fails it with
a synthetic diagnostic entry. There is no resume: partial remote work is
unwound by compensation at execution time, not reconstructed afterwards.
*/
package dispatcher
