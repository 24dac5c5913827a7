package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnwindRunsInReverseOrder(t *testing.T) {
	undo := New()
	var order []string

	for _, name := range []string{"first", "second", "third"} {
		name := name
		undo.Push(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	undo.Unwind(context.Background())
	assert.Equal(t, []string{"third", "second", "first"}, order)
	assert.Zero(t, undo.Len(), "log not emptied after unwind")
}

func TestUnwindContinuesPastFailingCompensation(t *testing.T) {
	undo := New()
	var order []string

	undo.Push("a", func(ctx context.Context) error {
		order = append(order, "a")
		return nil
	})
	undo.Push("b", func(ctx context.Context) error {
		return errors.New("device still mounted")
	})
	undo.Push("c", func(ctx context.Context) error {
		order = append(order, "c")
		return nil
	})

	undo.Unwind(context.Background())
	// b failed but a still ran.
	assert.Equal(t, []string{"c", "a"}, order)
}

func TestDiscardDropsWithoutRunning(t *testing.T) {
	undo := New()
	ran := false
	undo.Push("never", func(ctx context.Context) error {
		ran = true
		return nil
	})

	undo.Discard()
	undo.Unwind(context.Background())
	assert.False(t, ran)
	assert.Zero(t, undo.Len())
}
