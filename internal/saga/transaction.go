package saga

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var ErrAlreadyRun = errors.New("transaction already run")

// Transaction is single use: create one per operation.
type Transaction[C any] struct {
	logger    zerolog.Logger
	observer  Observer
	ran       bool
	attempted []Stage[C]
	committed []Stage[C]
	failures  []StageFailure
}

func New[C any](logger zerolog.Logger, observer Observer) *Transaction[C] {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Transaction[C]{
		logger:   logger.With().Str("component", "saga").Logger(),
		observer: observer,
	}
}

// Run commits stages in order and returns the first commit error unchanged.
//
// On failure every committed stage gets exactly one Rollback, newest first,
// and then every attempted stage gets exactly one Cleanup, newest first. On
// success only Cleanup runs. Rollback and cleanup errors are logged and kept
// for Failures but never returned. Unwinding ignores cancellation of ctx so
// that a stopped run still compensates.
func (t *Transaction[C]) Run(ctx context.Context, c C, stages []Stage[C]) error {
	if t.ran {
		return ErrAlreadyRun
	}
	t.ran = true

	var commitErr error
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			commitErr = err
			break
		}
		t.attempted = append(t.attempted, st)
		if err := t.call(ctx, st, PhaseCommit, st.Commit, c); err != nil {
			commitErr = err
			t.logger.Error().Err(err).Str("event", "tx.stage.commit_failed").Str("stage", st.Name()).Msg("")
			break
		}
		t.committed = append(t.committed, st)
	}

	unwind := context.WithoutCancel(ctx)
	if commitErr != nil {
		for i := len(t.committed) - 1; i >= 0; i-- {
			st := t.committed[i]
			if err := t.call(unwind, st, PhaseRollback, st.Rollback, c); err != nil {
				t.swallow(st, PhaseRollback, err)
			}
		}
	}
	for i := len(t.attempted) - 1; i >= 0; i-- {
		st := t.attempted[i]
		if err := t.call(unwind, st, PhaseCleanup, st.Cleanup, c); err != nil {
			t.swallow(st, PhaseCleanup, err)
		}
	}
	return commitErr
}

func (t *Transaction[C]) call(ctx context.Context, st Stage[C], phase Phase, fn func(context.Context, C) error, c C) error {
	name := st.Name()
	t.observer.StageStarted(name, phase)
	start := time.Now()
	err := fn(ctx, c)
	t.observer.StageFinished(name, phase, time.Since(start), err)
	return err
}

func (t *Transaction[C]) swallow(st Stage[C], phase Phase, err error) {
	t.failures = append(t.failures, StageFailure{Stage: st.Name(), Phase: phase, Err: err})
	t.logger.Error().Err(err).Str("event", "tx.stage."+string(phase)+"_failed").Str("stage", st.Name()).Msg("")
}

// Committed lists the names of stages whose Commit succeeded, in commit order.
func (t *Transaction[C]) Committed() []string {
	out := make([]string, len(t.committed))
	for i, st := range t.committed {
		out[i] = st.Name()
	}
	return out
}

// Failures returns rollback and cleanup errors swallowed during Run.
func (t *Transaction[C]) Failures() []StageFailure {
	out := make([]StageFailure, len(t.failures))
	copy(out, t.failures)
	return out
}
