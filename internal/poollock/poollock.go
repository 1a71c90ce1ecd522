// Package poollock keeps a pool to a single migration across every process
// sharing a state directory.
package poollock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"nithronos/nosmigrate/internal/fsatomic"
)

var ErrBusy = errors.New("pool has a migration in progress")

// BusyError names the holder of a pool lock. Holder is empty when the lock
// is held by another process that has not written its id yet.
type BusyError struct {
	Pool   string
	Holder string
}

func (e *BusyError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("pool %s: %s", e.Pool, ErrBusy)
	}
	return fmt.Sprintf("pool %s: %s (%s)", e.Pool, ErrBusy, e.Holder)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

type lease struct {
	holder string
	f      *os.File
}

// Locks hands out one flock-backed lease per pool. The lock file under dir
// carries the holder id so other processes can report it.
type Locks struct {
	dir  string
	mu   sync.Mutex
	held map[string]*lease
}

func New(dir string) *Locks {
	return &Locks{dir: dir, held: map[string]*lease{}}
}

func (l *Locks) path(pool string) string {
	return filepath.Join(l.dir, "pool."+sanitizeID(pool)+".lock")
}

func sanitizeID(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}

// TryAcquire takes the lock for pool on behalf of holder. It returns a
// *BusyError when this or another process already holds it.
func (l *Locks) TryAcquire(pool, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[pool]; ok {
		return &BusyError{Pool: pool, Holder: cur.holder}
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("lock dir: %w", err)
	}
	f, err := fsatomic.TryLockFile(l.path(pool), 0o644)
	if errors.Is(err, fsatomic.ErrLocked) {
		return &BusyError{Pool: pool, Holder: readHolder(l.path(pool))}
	}
	if err != nil {
		return fmt.Errorf("lock pool %s: %w", pool, err)
	}
	ls := &lease{holder: holder, f: f}
	if err := ls.write(holder); err != nil {
		_ = f.Close()
		return fmt.Errorf("lock pool %s: %w", pool, err)
	}
	l.held[pool] = ls
	return nil
}

// Reassign changes the holder of a pool this process already holds.
func (l *Locks) Reassign(pool, holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls, ok := l.held[pool]
	if !ok {
		return
	}
	ls.holder = holder
	_ = ls.write(holder)
}

// Release drops the lock. The file is emptied, never unlinked, so every
// process keeps locking the same inode.
func (l *Locks) Release(pool string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls, ok := l.held[pool]
	if !ok {
		return
	}
	delete(l.held, pool)
	_ = ls.f.Truncate(0)
	_ = ls.f.Close()
}

// Current returns the holder of pool's lock in this process, or "" when this
// process does not hold it.
func (l *Locks) Current(pool string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ls, ok := l.held[pool]; ok {
		return ls.holder
	}
	return ""
}

func (ls *lease) write(holder string) error {
	if err := ls.f.Truncate(0); err != nil {
		return err
	}
	if _, err := ls.f.WriteAt([]byte(holder), 0); err != nil {
		return err
	}
	return nil
}

func readHolder(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	b, _ := io.ReadAll(io.LimitReader(f, 256))
	return strings.TrimSpace(string(b))
}
