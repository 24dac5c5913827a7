package proxyconf

import (
	"context"
	"sync"
	"time"
)

// DefaultPollBackoff is the wait between acquisition attempts on a busy
// guard.
const DefaultPollBackoff = 2 * time.Second

// Guard serializes access to the shared config file. It is a non-reentrant
// busy lock: acquisition polls with a fixed backoff rather than queueing, so
// callers must bound their wait with the context. Use With for the scoped
// form; it releases on every exit path including panics.
type Guard struct {
	mu      sync.Mutex
	busy    bool
	backoff time.Duration
}

// NewGuard constructs a guard with the default poll backoff.
func NewGuard() *Guard {
	return &Guard{backoff: DefaultPollBackoff}
}

// Acquire blocks until the guard is free or ctx is done. Callers that use
// Acquire directly must Release on all exit paths; prefer With.
func (g *Guard) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.busy {
			g.busy = true
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		timer := time.NewTimer(g.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Release frees the guard. Releasing a free guard is a no-op.
func (g *Guard) Release() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}

// With runs fn while holding the guard. The guard is released when fn
// returns or panics.
func (g *Guard) With(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

// GuardedGenerator wraps a FileGenerator so every Apply/Restore holds the
// guard for its full duration. This is the form handlers consume; nothing
// else may touch the managed file.
type GuardedGenerator struct {
	guard *Guard
	gen   *FileGenerator
}

// NewGuardedGenerator wraps gen behind guard.
func NewGuardedGenerator(guard *Guard, gen *FileGenerator) *GuardedGenerator {
	return &GuardedGenerator{guard: guard, gen: gen}
}

// Apply regenerates the config under the guard.
func (g *GuardedGenerator) Apply(ctx context.Context, state State) (string, error) {
	var backup string
	err := g.guard.With(ctx, func(ctx context.Context) error {
		var err error
		backup, err = g.gen.Apply(ctx, state)
		return err
	})
	return backup, err
}

// Restore restores a backup under the guard.
func (g *GuardedGenerator) Restore(ctx context.Context, backup string) error {
	return g.guard.With(ctx, func(ctx context.Context) error {
		return g.gen.Restore(ctx, backup)
	})
}
