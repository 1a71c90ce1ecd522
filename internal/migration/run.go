package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nithronos/nosmigrate/internal/events"
	"nithronos/nosmigrate/internal/history"
	"nithronos/nosmigrate/internal/observability"
	"nithronos/nosmigrate/internal/saga"
	"nithronos/nosmigrate/internal/txstore"
)

// RunRecorder stores the audit row of a run. *history.Store implements it.
type RunRecorder interface {
	Record(ctx context.Context, r history.Run) error
}

// Runner validates migrations and executes them as recorded transactions.
type Runner struct {
	Deps    Deps
	Txs     *txstore.Store
	History RunRecorder
	Logger  zerolog.Logger
}

// Prepare runs the pre-flight check and persists a pending transaction
// record. Nothing on the pool is touched.
func (r *Runner) Prepare(ctx context.Context, mc *Context) (txstore.Tx, error) {
	m, err := New(mc.Kind, r.Deps)
	if err != nil {
		return txstore.Tx{}, err
	}
	if err := m.Validate(ctx, mc); err != nil {
		return txstore.Tx{}, err
	}
	tx := txstore.Tx{
		ID:                   txstore.NewID(),
		Kind:                 mc.Kind.String(),
		Pool:                 mc.Pool,
		Sources:              Strings(mc.Sources),
		Destinations:         Strings(mc.Destinations),
		MaintenanceRequested: mc.MaintenanceRequested,
		StartedAt:            time.Now().UTC(),
	}
	for _, st := range m.CreateStages() {
		tx.Steps = append(tx.Steps, txstore.Step{Name: st.Name(), Status: txstore.StepPending})
	}
	if err := r.Txs.Save(ctx, tx); err != nil {
		return txstore.Tx{}, fmt.Errorf("save tx: %w", err)
	}
	r.record(ctx, tx)
	return tx, nil
}

// Execute runs the stages of a prepared transaction to completion and
// returns the final record together with the original commit error.
func (r *Runner) Execute(ctx context.Context, tx txstore.Tx, mc *Context) (txstore.Tx, error) {
	logger := r.Logger.With().Str("tx", tx.ID).Str("pool", mc.Pool).Logger()
	sink := events.Multi{r.Deps.Sink, events.NewFileSink(r.Txs.LogPath(tx.ID))}

	deps := r.Deps
	deps.Sink = sink
	deps.Logger = logger
	m, err := New(mc.Kind, deps)
	if err != nil {
		return tx, err
	}

	obs := &txObserver{store: r.Txs, tx: &tx, logger: logger}
	sink.Emit("migration.tx.started", "migration started", map[string]any{
		"tx": tx.ID, "pool": mc.Pool, "kind": mc.Kind.String(),
		"sources": tx.Sources, "destinations": tx.Destinations,
	})

	t := saga.New[*Context](logger, obs)
	runErr := t.Run(ctx, mc, m.CreateStages())

	obs.mu.Lock()
	now := time.Now().UTC()
	tx.FinishedAt = &now
	tx.OK = runErr == nil
	tx.Committed = t.Committed()
	if runErr != nil {
		tx.Error = runErr.Error()
		if k, ok := KindOf(runErr); ok {
			tx.ErrorKind = k.String()
		} else if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			tx.ErrorKind = "canceled"
		}
	}
	for _, f := range t.Failures() {
		fe := &Error{Kind: RollbackFailure, Op: f.Stage + "." + string(f.Phase), Err: f.Err}
		tx.Failures = append(tx.Failures, txstore.Failure{Step: f.Stage, Phase: string(f.Phase), Err: fe.Error()})
	}
	final := tx
	obs.mu.Unlock()

	// the caller's context may already be canceled; the record must still land
	saveCtx := context.WithoutCancel(ctx)
	if err := r.Txs.Save(saveCtx, final); err != nil {
		logger.Error().Err(err).Str("event", "migration.tx.save_failed").Msg("")
	}
	r.record(saveCtx, final)
	observability.IncMigrationTx(final.Kind, final.OK)

	fields := map[string]any{"tx": final.ID, "pool": final.Pool, "ok": final.OK, "committed": final.Committed}
	if runErr != nil {
		fields["level"] = "error"
		fields["error"] = final.Error
		fields["errorKind"] = final.ErrorKind
	}
	sink.Emit("migration.tx.finished", "migration finished", fields)
	return final, runErr
}

// Run is Prepare followed by Execute.
func (r *Runner) Run(ctx context.Context, mc *Context) (txstore.Tx, error) {
	tx, err := r.Prepare(ctx, mc)
	if err != nil {
		return tx, err
	}
	return r.Execute(ctx, tx, mc)
}

func (r *Runner) record(ctx context.Context, tx txstore.Tx) {
	if r.History == nil {
		return
	}
	run := history.Run{
		ID:           tx.ID,
		Pool:         tx.Pool,
		Kind:         tx.Kind,
		Sources:      tx.Sources,
		Destinations: tx.Destinations,
		StartedAt:    tx.StartedAt,
		FinishedAt:   tx.FinishedAt,
		OK:           tx.OK,
		Error:        tx.Error,
		Committed:    tx.Committed,
	}
	if err := r.History.Record(ctx, run); err != nil {
		r.Logger.Warn().Err(err).Str("tx", tx.ID).Msg("record history")
	}
}

// txObserver mirrors stage progress into the persisted transaction record.
type txObserver struct {
	mu     sync.Mutex
	store  *txstore.Store
	tx     *txstore.Tx
	logger zerolog.Logger
}

func (o *txObserver) StageStarted(stage string, phase saga.Phase) {
	if phase != saga.PhaseCommit {
		return
	}
	o.update(stage, func(s *txstore.Step) {
		now := time.Now().UTC()
		s.Status = txstore.StepRunning
		s.StartedAt = &now
	})
}

func (o *txObserver) StageFinished(stage string, phase saga.Phase, d time.Duration, err error) {
	observability.ObserveStage(stage, string(phase), d)
	switch phase {
	case saga.PhaseCommit:
		o.update(stage, func(s *txstore.Step) {
			now := time.Now().UTC()
			s.FinishedAt = &now
			if err != nil {
				s.Status = txstore.StepError
				s.Err = err.Error()
				return
			}
			s.Status = txstore.StepOK
		})
	case saga.PhaseRollback:
		if err == nil {
			o.update(stage, func(s *txstore.Step) { s.Status = txstore.StepRolledBack })
		}
	}
}

func (o *txObserver) update(stage string, fn func(*txstore.Step)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.tx.Step(stage)
	if s == nil {
		return
	}
	fn(s)
	if err := o.store.Save(context.Background(), *o.tx); err != nil {
		o.logger.Warn().Err(err).Str("stage", stage).Msg("save tx progress")
	}
}
