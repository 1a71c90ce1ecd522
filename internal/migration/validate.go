package migration

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
)

// DiskLookup is the part of StorageInventory the validator needs.
type DiskLookup interface {
	PhysicalDisk(ctx context.Context, id DriveID) (PhysicalDisk, bool, error)
}

// Work is the validated remainder of a migration. Both lists keep the order
// of the caller's original arguments.
type Work struct {
	Sources      []DriveID
	Destinations []DriveID
}

func (w Work) Done() bool { return len(w.Destinations) == 0 }

// Next returns the pair to replace next: the first unprocessed source and the
// first unprocessed destination.
func (w Work) Next() (ReplacementPair, bool) {
	if len(w.Sources) == 0 || len(w.Destinations) == 0 {
		return ReplacementPair{}, false
	}
	return ReplacementPair{Source: w.Sources[0], Destination: w.Destinations[0]}, true
}

type Validator struct {
	Disks DiskLookup
}

// Validate checks a source→destination mapping against a live pool snapshot.
//
// Sources still in the pool and destinations not yet in the pool must pair up
// one to one, every destination must be attached, and every remaining
// destination must be at least as large as every remaining source. The
// capacity check covers the whole cross product because the pairing order is
// not fixed in advance. A source missing from the inventory fails here: the
// loop would abort its replacement as a disconnection anyway. Disks are
// looked up fresh on every call.
func (v Validator) Validate(ctx context.Context, sources, destinations []DriveID, pool PoolStatus) (Work, error) {
	if err := checkDistinct(sources, destinations); err != nil {
		return Work{}, err
	}

	work := Work{Sources: []DriveID{}, Destinations: []DriveID{}}
	for _, s := range sources {
		if pool.Members.Has(s) {
			work.Sources = append(work.Sources, s)
		}
	}
	for _, d := range destinations {
		if !pool.Members.Has(d) {
			work.Destinations = append(work.Destinations, d)
		}
	}
	if len(work.Sources) != len(work.Destinations) {
		return Work{}, validationErr("", fmt.Errorf("%w: %d sources still in pool %s, %d destinations not yet in it",
			ErrCountMismatch, len(work.Sources), pool.Pool, len(work.Destinations)))
	}

	seen := map[DriveID]PhysicalDisk{}
	lookup := func(id DriveID) (PhysicalDisk, bool, error) {
		if d, ok := seen[id]; ok {
			return d, true, nil
		}
		d, found, err := v.Disks.PhysicalDisk(ctx, id)
		if err != nil {
			return PhysicalDisk{}, false, fmt.Errorf("look up disk %s: %w", id, err)
		}
		if found {
			seen[id] = d
		}
		return d, found, nil
	}

	for _, d := range destinations {
		disk, found, err := lookup(d)
		if err != nil {
			return Work{}, err
		}
		if !found || !disk.Attached {
			return Work{}, validationErr(d, ErrNotAttached)
		}
	}

	if len(work.Destinations) == 0 {
		return work, nil
	}
	for _, s := range work.Sources {
		src, found, err := lookup(s)
		if err != nil {
			return Work{}, err
		}
		if !found {
			return Work{}, validationErr(s, ErrUnknownCapacity)
		}
		for _, d := range work.Destinations {
			dst := seen[d]
			if dst.CapacityBytes < src.CapacityBytes {
				return Work{}, validationErr(d, fmt.Errorf("%w: %s (%s) < %s (%s)", ErrInsufficientCapacity,
					d, humanize.IBytes(dst.CapacityBytes), s, humanize.IBytes(src.CapacityBytes)))
			}
		}
	}
	return work, nil
}

func checkDistinct(sources, destinations []DriveID) error {
	seen := map[DriveID]bool{}
	for _, list := range [][]DriveID{sources, destinations} {
		for _, id := range list {
			if seen[id] {
				return validationErr(id, ErrDuplicateDrive)
			}
			seen[id] = true
		}
	}
	return nil
}
