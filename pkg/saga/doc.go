/*
Package saga implements the undo-log discipline shared by every Helmsman
provisioning workflow.

Database writes and remote agent calls interleave and cannot share one
atomic transaction, so each handler records an explicit compensation as each
forward side effect succeeds:

	undo := saga.New()

	node, err := remote.ProvisionWorker(ctx, host)
	if err != nil {
		undo.Unwind(ctx)
		return err
	}
	undo.Push("deprovision worker", func(ctx context.Context) error {
		return remote.DeprovisionVM(ctx, node)
	})

On the first failure the handler unwinds: compensations run in reverse
order, a compensation's own failure is logged and swallowed, and the
original error is what reaches the task record. After full success the log
is discarded.
*/
package saga
