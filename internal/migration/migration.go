// Package migration builds and validates live storage-pool migrations.
//
// A migration is a saga of stages sharing one *Context. The pool-replace
// variant enables autoexpand and then replaces source drives with destination
// drives one pair at a time, waiting out each resilver.
package migration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nithronos/nosmigrate/internal/events"
	"nithronos/nosmigrate/internal/saga"
)

// Deps are the collaborators every migration needs. Nothing is
// default-constructed: callers wire them explicitly.
type Deps struct {
	Inventory   StorageInventory
	Mutator     PoolMutator
	Maintenance MaintenanceWindow
	Sink        events.Sink
	Logger      zerolog.Logger

	PollInterval        time.Duration
	MaintenanceDuration time.Duration
}

type Migration interface {
	Kind() Kind
	// Validate is the pre-flight check. It performs no mutation.
	Validate(ctx context.Context, mc *Context) error
	CreateStages() []saga.Stage[*Context]
}

func New(kind Kind, deps Deps) (Migration, error) {
	if deps.Inventory == nil || deps.Mutator == nil {
		return nil, fmt.Errorf("migration %s: inventory and mutator are required", kind)
	}
	if deps.Sink == nil {
		deps.Sink = events.Discard{}
	}
	switch kind {
	case PoolReplace:
		return &PoolReplaceMigration{deps: deps}, nil
	default:
		return nil, fmt.Errorf("unsupported migration kind %s", kind)
	}
}

// PoolReplaceMigration replaces member drives of a live pool.
type PoolReplaceMigration struct {
	deps Deps
}

func (m *PoolReplaceMigration) Kind() Kind { return PoolReplace }

func (m *PoolReplaceMigration) Validate(ctx context.Context, mc *Context) error {
	if strings.TrimSpace(mc.Pool) == "" {
		return validationErr("", fmt.Errorf("pool name required"))
	}
	if len(mc.Sources) == 0 || len(mc.Destinations) == 0 {
		return validationErr("", ErrNoDrives)
	}
	if len(mc.Sources) != len(mc.Destinations) {
		return validationErr("", fmt.Errorf("%w: %d sources, %d destinations", ErrCountMismatch, len(mc.Sources), len(mc.Destinations)))
	}
	status, err := m.deps.Inventory.PoolStatus(ctx, mc.Pool)
	if err != nil {
		return fmt.Errorf("pool status %s: %w", mc.Pool, err)
	}
	_, err = Validator{Disks: m.deps.Inventory}.Validate(ctx, mc.Sources, mc.Destinations, status)
	return err
}

func (m *PoolReplaceMigration) CreateStages() []saga.Stage[*Context] {
	return []saga.Stage[*Context]{
		AutoExpandStage{Mutator: m.deps.Mutator},
		DriveReplaceStage{
			Inventory:           m.deps.Inventory,
			Mutator:             m.deps.Mutator,
			Maintenance:         m.deps.Maintenance,
			Sink:                m.deps.Sink,
			Logger:              m.deps.Logger.With().Str("component", "drive-replace").Logger(),
			PollInterval:        m.deps.PollInterval,
			MaintenanceDuration: m.deps.MaintenanceDuration,
		},
	}
}
