package proxyconf

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard() *Guard {
	g := NewGuard()
	g.backoff = 5 * time.Millisecond
	return g
}

func TestGuardSerializesCriticalSections(t *testing.T) {
	g := newTestGuard()

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}

	inFirst := make(chan struct{})
	releaseFirst := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := g.With(context.Background(), func(context.Context) error {
			record("first-enter")
			close(inFirst)
			<-releaseFirst
			record("first-exit")
			return nil
		})
		assert.NoError(t, err)
	}()

	<-inFirst
	go func() {
		defer wg.Done()
		err := g.With(context.Background(), func(context.Context) error {
			record("second-enter")
			return nil
		})
		assert.NoError(t, err)
	}()

	// Give the second goroutine time to reach the poll loop, then let the
	// first section finish.
	time.Sleep(20 * time.Millisecond)
	close(releaseFirst)
	wg.Wait()

	require.Equal(t, []string{"first-enter", "first-exit", "second-enter"}, events,
		"second section must start strictly after the first releases")
}

func TestGuardAcquireHonorsContext(t *testing.T) {
	g := newTestGuard()
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err := g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	g.Release()
	require.NoError(t, g.Acquire(context.Background()))
	g.Release()
}

func TestWithReleasesOnPanic(t *testing.T) {
	g := newTestGuard()

	func() {
		defer func() {
			require.NotNil(t, recover(), "expected the panic to propagate")
		}()
		_ = g.With(context.Background(), func(context.Context) error {
			panic("handler exploded")
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, g.Acquire(ctx), "guard must be free after a panicking section")
	g.Release()
}
