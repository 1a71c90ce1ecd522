package migration

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DriveID names a whole disk the way the storage inventory reports pool
// members, e.g. "/dev/sdc".
type DriveID string

type DriveSet map[DriveID]struct{}

func NewDriveSet(ids ...DriveID) DriveSet {
	s := make(DriveSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s DriveSet) Has(id DriveID) bool {
	_, ok := s[id]
	return ok
}

// ReplacementPair is the source/destination the pool is currently migrating.
type ReplacementPair struct {
	Source      DriveID `json:"source"`
	Destination DriveID `json:"destination"`
}

// PoolStatus is a point-in-time snapshot. It is never updated in place;
// callers fetch a new one for every decision.
type PoolStatus struct {
	Pool              string
	Members           DriveSet
	Resilvering       bool
	ActiveReplacement *ReplacementPair
}

type PhysicalDisk struct {
	ID            DriveID
	CapacityBytes uint64
	Attached      bool
}

// StorageInventory answers read-only questions about pools and disks.
type StorageInventory interface {
	PoolStatus(ctx context.Context, pool string) (PoolStatus, error)
	// PhysicalDisk reports found=false when no such disk is present.
	PhysicalDisk(ctx context.Context, id DriveID) (disk PhysicalDisk, found bool, err error)
}

// PoolMutator issues the side-effecting pool operations.
type PoolMutator interface {
	ForceReplace(ctx context.Context, pool string, source, destination DriveID) error
	Detach(ctx context.Context, pool string, drive DriveID) error
	SetAutoExpand(ctx context.Context, pool string, enabled bool) error
}

// MaintenanceWindow suppresses scheduled operations for a bounded time.
type MaintenanceWindow interface {
	EnableFor(ctx context.Context, d time.Duration) error
	Disable(ctx context.Context) error
}

type Kind int

const (
	PoolReplace Kind = iota + 1
)

func (k Kind) String() string {
	switch k {
	case PoolReplace:
		return "pool-replace"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pool-replace", "replace":
		return PoolReplace, nil
	default:
		return 0, fmt.Errorf("unknown migration kind %q", s)
	}
}

// State of the drive replacement convergence loop.
type State string

const (
	StateIdle        State = "idle"
	StateReplacing   State = "replacing"
	StateResilvering State = "resilvering"
	StateDone        State = "done"
	StateAborted     State = "aborted"
)

// Context is the mutable state shared by the stages of one migration run.
type Context struct {
	Pool                 string
	Sources              []DriveID
	Destinations         []DriveID
	MaintenanceRequested bool
	Kind                 Kind

	// derived state recorded by stages
	maintenanceHeld bool
	state           State
	replacements    []ReplacementPair
}

func NewContext(pool string, kind Kind, sources, destinations []DriveID, maintenance bool) *Context {
	return &Context{
		Pool:                 pool,
		Kind:                 kind,
		Sources:              sources,
		Destinations:         destinations,
		MaintenanceRequested: maintenance,
		state:                StateIdle,
	}
}

func (c *Context) State() State { return c.state }

// Replacements lists the pairs this run has issued, in order.
func (c *Context) Replacements() []ReplacementPair {
	out := make([]ReplacementPair, len(c.replacements))
	copy(out, c.replacements)
	return out
}

func (c *Context) MaintenanceHeld() bool { return c.maintenanceHeld }

func IDs(ss []string) []DriveID {
	out := make([]DriveID, 0, len(ss))
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, DriveID(s))
		}
	}
	return out
}

func Strings(ids []DriveID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
