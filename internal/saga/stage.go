// Package saga runs an ordered list of stages as a compensating transaction.
//
// Every stage is committed in order. When a commit fails, the stages that
// already committed are rolled back in reverse order and every attempted stage
// is cleaned up. Run-specific state is passed to each call as C; stages keep
// no state between runs.
package saga

import (
	"context"
	"time"
)

// Stage is one committable, compensatable step of a transaction.
//
// Cleanup runs for every attempted stage, including one whose Commit failed
// part way, so it must be idempotent and safe when Commit never got far.
// Rollback runs only for stages whose Commit returned nil.
type Stage[C any] interface {
	Name() string
	Commit(ctx context.Context, c C) error
	Cleanup(ctx context.Context, c C) error
	Rollback(ctx context.Context, c C) error
}

type Phase string

const (
	PhaseCommit   Phase = "commit"
	PhaseRollback Phase = "rollback"
	PhaseCleanup  Phase = "cleanup"
)

// Observer is told about every stage call. Implementations must not block.
type Observer interface {
	StageStarted(stage string, phase Phase)
	StageFinished(stage string, phase Phase, d time.Duration, err error)
}

// StageFailure records a swallowed rollback or cleanup error.
type StageFailure struct {
	Stage string
	Phase Phase
	Err   error
}

type nopObserver struct{}

func (nopObserver) StageStarted(string, Phase)                         {}
func (nopObserver) StageFinished(string, Phase, time.Duration, error) {}
