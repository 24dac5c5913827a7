package saga

import (
	"context"

	"github.com/stackwave/helmsman/pkg/log"
)

// Compensation undoes one previously successful forward step.
type Compensation func(ctx context.Context) error

// Log is an ordered undo log. Workflow handlers push a compensation after
// each forward step succeeds; on the first failure they call Unwind, which
// runs the compensations in reverse order. A Log is used by a single
// handler goroutine and needs no locking.
type Log struct {
	steps []step
}

type step struct {
	name       string
	compensate Compensation
}

// New returns an empty undo log.
func New() *Log {
	return &Log{}
}

// Push records the compensation for a forward step that just succeeded.
func (l *Log) Push(name string, compensate Compensation) {
	l.steps = append(l.steps, step{name: name, compensate: compensate})
}

// Len reports how many compensations are pending.
func (l *Log) Len() int {
	return len(l.steps)
}

// Unwind executes all recorded compensations in reverse order. A failing
// compensation is logged and skipped so the remaining ones still run; the
// caller's original error is never masked — Unwind returns nothing for
// exactly that reason. The log is emptied afterwards.
func (l *Log) Unwind(ctx context.Context) {
	logger := log.WithComponent("saga")
	for i := len(l.steps) - 1; i >= 0; i-- {
		s := l.steps[i]
		if err := s.compensate(ctx); err != nil {
			logger.Error().Err(err).Str("step", s.name).Msg("compensation failed")
			continue
		}
		logger.Debug().Str("step", s.name).Msg("compensated")
	}
	l.steps = nil
}

// Discard drops all recorded compensations without running them. Called
// after the whole workflow succeeds.
func (l *Log) Discard() {
	l.steps = nil
}
