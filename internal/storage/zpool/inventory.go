// Package zpool implements the pool inventory and pool mutations on top of
// the zpool and lsblk command line tools.
package zpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nithronos/nosmigrate/internal/migration"
	"nithronos/nosmigrate/pkg/shell"
)

var ErrPoolNotFound = errors.New("pool not found")

// resolvePath is a test seam for symlink resolution of /dev/disk/by-* names.
var resolvePath = filepath.EvalSymlinks

// Inventory answers pool and disk questions by running zpool and lsblk. It
// caches nothing: every call reflects the live system.
type Inventory struct {
	Runner shell.Runner
}

func NewInventory(r shell.Runner) *Inventory {
	if r == nil {
		r = shell.Exec{}
	}
	return &Inventory{Runner: r}
}

func (inv *Inventory) status(ctx context.Context, pool string) (Status, error) {
	res, err := inv.Runner.Run(ctx, 15*time.Second, "zpool", "status", "-P", "-L", pool)
	if err != nil {
		var ee *shell.ExitError
		if errors.As(err, &ee) && strings.Contains(ee.Stderr, "no such pool") {
			return Status{}, fmt.Errorf("%w: %s", ErrPoolNotFound, pool)
		}
		return Status{}, err
	}
	st := ParseStatus(string(res.Stdout))
	if st.Pool == "" {
		return Status{}, fmt.Errorf("%w: %s", ErrPoolNotFound, pool)
	}
	return st, nil
}

// PoolStatus reports the pool's whole-disk members. Partition leaves are
// folded to the disk that holds them, so a member created on /dev/sdc1 is
// reported as /dev/sdc.
func (inv *Inventory) PoolStatus(ctx context.Context, pool string) (migration.PoolStatus, error) {
	st, err := inv.status(ctx, pool)
	if err != nil {
		return migration.PoolStatus{}, err
	}
	devs, err := inv.listBlock(ctx)
	if err != nil {
		return migration.PoolStatus{}, err
	}
	fold := folder(devs)
	out := migration.PoolStatus{Pool: st.Pool, Members: migration.DriveSet{}, Resilvering: st.Resilvering}
	for _, leaf := range st.Leaves {
		out.Members[fold(leaf)] = struct{}{}
	}
	if st.Replacing != nil {
		out.ActiveReplacement = &migration.ReplacementPair{
			Source:      fold(st.Replacing.Source),
			Destination: fold(st.Replacing.Target),
		}
	}
	return out, nil
}

// PoolDriveIDs lists the whole-disk members of pool.
func (inv *Inventory) PoolDriveIDs(ctx context.Context, pool string) ([]migration.DriveID, error) {
	st, err := inv.PoolStatus(ctx, pool)
	if err != nil {
		return nil, err
	}
	ids := make([]migration.DriveID, 0, len(st.Members))
	for id := range st.Members {
		ids = append(ids, id)
	}
	return ids, nil
}

func (inv *Inventory) IsResilvering(ctx context.Context, pool string) (bool, error) {
	st, err := inv.status(ctx, pool)
	if err != nil {
		return false, err
	}
	return st.Resilvering, nil
}

// ReplacementGroup returns the in-flight replacement of pool, or nil.
func (inv *Inventory) ReplacementGroup(ctx context.Context, pool string) (*migration.ReplacementPair, error) {
	st, err := inv.PoolStatus(ctx, pool)
	if err != nil {
		return nil, err
	}
	return st.ActiveReplacement, nil
}

// PhysicalDisk looks id up in lsblk. A path that no longer resolves, or that
// lsblk does not list, is reported as not found.
func (inv *Inventory) PhysicalDisk(ctx context.Context, id migration.DriveID) (migration.PhysicalDisk, bool, error) {
	path, err := resolvePath(string(id))
	if err != nil {
		if os.IsNotExist(err) {
			return migration.PhysicalDisk{}, false, nil
		}
		return migration.PhysicalDisk{}, false, fmt.Errorf("resolve %s: %w", id, err)
	}
	devs, err := inv.listBlock(ctx)
	if err != nil {
		return migration.PhysicalDisk{}, false, err
	}
	for _, d := range devs {
		if d.Path != path {
			continue
		}
		return migration.PhysicalDisk{
			ID:            id,
			CapacityBytes: d.SizeBytes,
			Attached:      attached(d),
		}, true, nil
	}
	return migration.PhysicalDisk{}, false, nil
}

// CanonicalIDs maps operator input (by-id links, partitions) to the
// whole-disk ids PoolStatus reports.
func (inv *Inventory) CanonicalIDs(ctx context.Context, ids []migration.DriveID) ([]migration.DriveID, error) {
	devs, err := inv.listBlock(ctx)
	if err != nil {
		return nil, err
	}
	fold := folder(devs)
	out := make([]migration.DriveID, 0, len(ids))
	for _, id := range ids {
		out = append(out, fold(string(id)))
	}
	return out, nil
}

func attached(d blockDevice) bool {
	switch strings.ToLower(d.State) {
	case "offline", "blocked", "transport-offline":
		return false
	}
	return true
}

// folder returns a func that resolves a device path to its whole disk. Paths
// lsblk does not know are returned unchanged.
func folder(devs []blockDevice) func(string) migration.DriveID {
	parent := map[string]string{}
	for _, d := range devs {
		if d.Parent != "" {
			parent[d.Path] = d.Parent
		}
	}
	return func(p string) migration.DriveID {
		if r, err := resolvePath(p); err == nil {
			p = r
		}
		if disk, ok := parent[p]; ok {
			return migration.DriveID(disk)
		}
		return migration.DriveID(p)
	}
}
