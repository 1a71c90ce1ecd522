package zpool

import (
	"context"
	"fmt"
	"time"

	"nithronos/nosmigrate/internal/migration"
	"nithronos/nosmigrate/pkg/shell"
)

// mutateTimeout bounds a single zpool call. A replace returns as soon as the
// resilver is scheduled, so this is not the resilver time.
var mutateTimeout = 60 * time.Second

// Mutator runs zpool commands on the local host.
type Mutator struct {
	Runner shell.Runner
}

func NewMutator(r shell.Runner) *Mutator {
	if r == nil {
		r = shell.Exec{}
	}
	return &Mutator{Runner: r}
}

func (m *Mutator) ForceReplace(ctx context.Context, pool string, source, destination migration.DriveID) error {
	return m.zpool(ctx, replaceArgs(pool, source, destination)...)
}

func (m *Mutator) Detach(ctx context.Context, pool string, drive migration.DriveID) error {
	return m.zpool(ctx, detachArgs(pool, drive)...)
}

func (m *Mutator) SetAutoExpand(ctx context.Context, pool string, enabled bool) error {
	return m.zpool(ctx, autoExpandArgs(pool, enabled)...)
}

// Scrub starts a scrub of pool.
func (m *Mutator) Scrub(ctx context.Context, pool string) error {
	return m.zpool(ctx, "scrub", pool)
}

func (m *Mutator) zpool(ctx context.Context, args ...string) error {
	if _, err := m.Runner.Run(ctx, mutateTimeout, "zpool", args...); err != nil {
		return fmt.Errorf("zpool %s: %w", args[0], err)
	}
	return nil
}

func replaceArgs(pool string, source, destination migration.DriveID) []string {
	return []string{"replace", "-f", pool, string(source), string(destination)}
}

func detachArgs(pool string, drive migration.DriveID) []string {
	return []string{"detach", pool, string(drive)}
}

func autoExpandArgs(pool string, enabled bool) []string {
	v := "off"
	if enabled {
		v = "on"
	}
	return []string{"set", "autoexpand=" + v, pool}
}
