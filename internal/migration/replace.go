package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"nithronos/nosmigrate/internal/events"
	"nithronos/nosmigrate/internal/observability"
)

const (
	DefaultPollInterval        = 10 * time.Second
	DefaultMaintenanceDuration = 300 * time.Second
)

// DriveReplaceStage walks the pool through "replace next pair, wait for the
// resilver" cycles until every destination is a pool member.
//
// Each iteration starts from a fresh PoolStatus. A drive of the active
// replacement that is no longer attached aborts the stage after detaching the
// destination; this check runs before anything else. A new replace is only
// issued while the pool is not resilvering and after the mapping re-validates
// against the live pool. Completed replacements are not undone on rollback: a
// fully resilvered drive cannot be swapped back safely.
type DriveReplaceStage struct {
	Inventory           StorageInventory
	Mutator             PoolMutator
	Maintenance         MaintenanceWindow
	Sink                events.Sink
	Logger              zerolog.Logger
	PollInterval        time.Duration
	MaintenanceDuration time.Duration

	// sleep is a seam for tests
	sleep func(ctx context.Context, d time.Duration) error
}

func (DriveReplaceStage) Name() string { return "drive-replace" }

func (s DriveReplaceStage) Commit(ctx context.Context, mc *Context) error {
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	sleep := s.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	for {
		if err := ctx.Err(); err != nil {
			s.setState(mc, StateAborted)
			return err
		}
		done, err := s.iterate(ctx, mc)
		if err != nil {
			s.setState(mc, StateAborted)
			return err
		}
		if done {
			s.setState(mc, StateDone)
			return nil
		}
		if err := sleep(ctx, interval); err != nil {
			s.setState(mc, StateAborted)
			return err
		}
	}
}

func (s DriveReplaceStage) iterate(ctx context.Context, mc *Context) (bool, error) {
	status, err := s.Inventory.PoolStatus(ctx, mc.Pool)
	if err != nil {
		return false, fmt.Errorf("pool status %s: %w", mc.Pool, err)
	}
	observability.SetResilvering(mc.Pool, status.Resilvering)

	if pair := status.ActiveReplacement; pair != nil {
		if err := s.checkAttached(ctx, mc, *pair); err != nil {
			return false, err
		}
	}

	if mc.MaintenanceRequested && (!mc.maintenanceHeld || status.Resilvering) {
		s.holdMaintenance(ctx, mc)
	}

	if status.Resilvering {
		s.setState(mc, StateResilvering)
		return false, nil
	}

	work, err := Validator{Disks: s.Inventory}.Validate(ctx, mc.Sources, mc.Destinations, status)
	if err != nil {
		return false, err
	}
	next, ok := work.Next()
	if !ok {
		s.emit("migration.replace.converged", "all destinations are pool members", map[string]any{"pool": mc.Pool})
		return true, nil
	}

	s.setState(mc, StateReplacing)
	if err := s.Mutator.ForceReplace(ctx, mc.Pool, next.Source, next.Destination); err != nil {
		return false, &Error{Kind: Mutation, Op: "force-replace", Drive: next.Destination, Err: err}
	}
	mc.replacements = append(mc.replacements, next)
	observability.IncReplace()
	s.emit("migration.replace.issued", "replace issued", map[string]any{
		"pool":        mc.Pool,
		"source":      string(next.Source),
		"destination": string(next.Destination),
		"remaining":   len(work.Destinations) - 1,
	})
	return false, nil
}

// checkAttached aborts the in-flight replacement when either of its drives
// has gone away.
func (s DriveReplaceStage) checkAttached(ctx context.Context, mc *Context, pair ReplacementPair) error {
	for _, id := range []DriveID{pair.Source, pair.Destination} {
		disk, found, err := s.Inventory.PhysicalDisk(ctx, id)
		if err != nil {
			return fmt.Errorf("look up disk %s: %w", id, err)
		}
		if found && disk.Attached {
			continue
		}
		cause := ErrDriveDisconnected
		detachErr := s.Mutator.Detach(ctx, mc.Pool, pair.Destination)
		fields := map[string]any{
			"level":       "error",
			"pool":        mc.Pool,
			"missing":     string(id),
			"source":      string(pair.Source),
			"destination": string(pair.Destination),
		}
		if detachErr != nil {
			fields["detachError"] = detachErr.Error()
			cause = fmt.Errorf("%w; detach %s: %w", ErrDriveDisconnected, pair.Destination, detachErr)
		}
		s.emit("migration.replace.disconnected", "drive vanished during replacement", fields)
		return &Error{Kind: Disconnection, Op: "replace", Drive: id, Err: cause}
	}
	return nil
}

func (s DriveReplaceStage) holdMaintenance(ctx context.Context, mc *Context) {
	if s.Maintenance == nil {
		return
	}
	d := s.MaintenanceDuration
	if d <= 0 {
		d = DefaultMaintenanceDuration
	}
	if err := s.Maintenance.EnableFor(ctx, d); err != nil {
		s.emit("migration.maintenance.enable_failed", "could not enable maintenance window", map[string]any{
			"level": "warn", "pool": mc.Pool, "error": err.Error(),
		})
		return
	}
	if !mc.maintenanceHeld {
		s.emit("migration.maintenance.enabled", "maintenance window enabled", map[string]any{"pool": mc.Pool, "seconds": int(d.Seconds())})
	}
	mc.maintenanceHeld = true
}

func (s DriveReplaceStage) Cleanup(ctx context.Context, mc *Context) error {
	return s.releaseMaintenance(ctx, mc)
}

func (s DriveReplaceStage) Rollback(ctx context.Context, mc *Context) error {
	return s.releaseMaintenance(ctx, mc)
}

func (s DriveReplaceStage) releaseMaintenance(ctx context.Context, mc *Context) error {
	if !mc.maintenanceHeld || s.Maintenance == nil {
		return nil
	}
	if err := s.Maintenance.Disable(ctx); err != nil {
		return fmt.Errorf("disable maintenance: %w", err)
	}
	mc.maintenanceHeld = false
	s.emit("migration.maintenance.disabled", "maintenance window disabled", map[string]any{"pool": mc.Pool})
	return nil
}

func (s DriveReplaceStage) setState(mc *Context, st State) {
	if mc.state == st {
		return
	}
	prev := mc.state
	mc.state = st
	s.Logger.Debug().Str("pool", mc.Pool).Str("from", string(prev)).Str("to", string(st)).Msg("replace state")
	s.emit("migration.state", "state changed", map[string]any{"pool": mc.Pool, "from": string(prev), "to": string(st)})
}

func (s DriveReplaceStage) emit(code, msg string, fields map[string]any) {
	if s.Sink != nil {
		s.Sink.Emit(code, msg, fields)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
