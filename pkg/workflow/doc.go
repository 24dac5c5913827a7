/*
Package workflow implements the provisioning handlers behind every task
type: cluster scale, volume lifecycle, service charts, application
deployments and traffic splits, workspace teardown.

All physical effects go through the Agent interface — correlated bus calls
answered by agents on the target hosts. The control plane decides and
sequences; it never touches a VM, a mount, or a Kubernetes API itself.

# Handler shape

Every handler runs under Engine.run, which owns the task finisher: on
success a DONE status entry, on failure an error-level progress event, an
ERROR status entry, and a closed event stream — always, in that order, as
the final unconditional actions. In between, handlers follow the same
compensation discipline:

	undo := saga.New()
	... forward step ...
	undo.Push("reverse it", func(ctx) error { ... })
	... next step, Unwind on failure ...
	undo.Discard() // success

Database rows created along the way are deleted explicitly by compensation;
remote calls interleave with store writes, so no single transaction can
cover a workflow. Where several rows must change together and no remote
call sits between them (version weight rebalancing), the store's
UpdateAtomic scope is used instead.

Reverse-proxy config changes always capture the backup string returned by
Apply; a later failure restores it. Compensation failures are logged and
swallowed — the original error is what the task records.

# Scale decisions

UPDATE-K8S-CLUSTER maps (currentWorkers, requestedScale) through PlanScale.
Scale-up ranks candidate hosts — unused by this cluster first, then reused,
round-robin when the request exceeds the host count — behind a free-memory
floor, and replicates every bound volume onto each new worker. A cluster is
never left with zero schedulable nodes: the master is tainted only while
workers exist and un-tainted whenever rollback or scale-down takes the
worker count back to zero.
*/
package workflow
