package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// simPool behaves like a pool that resilvers for a fixed number of polls
// after each replace and then drops the source drive.
type simPool struct {
	mu            sync.Mutex
	name          string
	members       []DriveID
	disks         map[DriveID]PhysicalDisk
	resilverPolls int

	active    *ReplacementPair
	remaining int

	statusErr error
	polls     int
	// onPoll runs before each status snapshot is taken
	onPoll func(p *simPool)

	calls        []string
	replaceErr   error
	detachErr    error
	autoExpand   bool
	autoExpandEr error
}

func newSimPool(name string, members ...DriveID) *simPool {
	return &simPool{name: name, members: members, disks: map[DriveID]PhysicalDisk{}, resilverPolls: 2}
}

func (p *simPool) attach(id DriveID, capacity uint64) *simPool {
	p.disks[id] = PhysicalDisk{ID: id, CapacityBytes: capacity, Attached: true}
	return p
}

func (p *simPool) unplug(id DriveID) {
	d := p.disks[id]
	d.Attached = false
	p.disks[id] = d
}

func (p *simPool) PoolStatus(_ context.Context, pool string) (PoolStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.onPoll != nil {
		p.onPoll(p)
	}
	if p.statusErr != nil {
		return PoolStatus{}, p.statusErr
	}
	if p.active != nil && p.remaining == 0 {
		p.removeMember(p.active.Source)
		p.active = nil
	}
	st := PoolStatus{Pool: pool, Members: NewDriveSet(p.members...)}
	if p.active != nil {
		pair := *p.active
		st.ActiveReplacement = &pair
		st.Resilvering = true
		p.remaining--
	}
	return st, nil
}

func (p *simPool) PhysicalDisk(_ context.Context, id DriveID) (PhysicalDisk, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.disks[id]
	return d, ok, nil
}

func (p *simPool) ForceReplace(_ context.Context, pool string, source, destination DriveID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("replace %s %s %s", pool, source, destination))
	if p.replaceErr != nil {
		return p.replaceErr
	}
	if p.active != nil {
		return errors.New("pool already replacing")
	}
	p.members = append(p.members, destination)
	p.active = &ReplacementPair{Source: source, Destination: destination}
	p.remaining = p.resilverPolls
	return nil
}

func (p *simPool) Detach(_ context.Context, pool string, drive DriveID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("detach %s %s", pool, drive))
	if p.detachErr != nil {
		return p.detachErr
	}
	p.removeMember(drive)
	p.active = nil
	return nil
}

func (p *simPool) SetAutoExpand(_ context.Context, pool string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("autoexpand %s %v", pool, enabled))
	if p.autoExpandEr != nil {
		return p.autoExpandEr
	}
	p.autoExpand = enabled
	return nil
}

func (p *simPool) removeMember(id DriveID) {
	out := p.members[:0]
	for _, m := range p.members {
		if m != id {
			out = append(out, m)
		}
	}
	p.members = out
}

func (p *simPool) mutations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

type fakeWindow struct {
	enables  []time.Duration
	disables int
	err      error
}

func (w *fakeWindow) EnableFor(_ context.Context, d time.Duration) error {
	if w.err != nil {
		return w.err
	}
	w.enables = append(w.enables, d)
	return nil
}

func (w *fakeWindow) Disable(context.Context) error {
	w.disables++
	return nil
}

type recSink struct {
	mu    sync.Mutex
	codes []string
}

func (s *recSink) Emit(code, _ string, _ map[string]any) {
	s.mu.Lock()
	s.codes = append(s.codes, code)
	s.mu.Unlock()
}

func (s *recSink) has(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c == code {
			return true
		}
	}
	return false
}

func noSleep(context.Context, time.Duration) error { return nil }

const (
	tb1 = uint64(1 << 40)
	tb2 = uint64(2 << 40)
)

// examplePool is the pool from the migration walkthrough: disk-A and disk-B
// are being moved onto disk-C and disk-D.
func examplePool() *simPool {
	return newSimPool("tank", "disk-A", "disk-B", "other").
		attach("disk-A", tb1).
		attach("disk-B", tb1).
		attach("disk-C", tb2).
		attach("disk-D", tb2).
		attach("other", tb1)
}
