// Package maintenance persists the appliance maintenance window. While the
// window is open, scheduled jobs such as scrubs and SMART scans stand down.
package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nithronos/nosmigrate/internal/fsatomic"
)

type State struct {
	Until     *time.Time `json:"until,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (s State) ActiveAt(now time.Time) bool {
	return s.Until != nil && now.Before(*s.Until)
}

// Window is a file-backed maintenance window shared by every process that
// points at the same state directory.
type Window struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

func New(logger zerolog.Logger, path string) *Window {
	return &Window{path: path, logger: logger.With().Str("component", "maintenance").Logger(), now: time.Now}
}

// EnableFor opens the window until now+d. An already open window that ends
// later is left alone.
func (w *Window) EnableFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("maintenance duration must be positive, got %s", d)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	st, err := w.load()
	if err != nil {
		return err
	}
	now := w.now().UTC()
	until := now.Add(d)
	if st.ActiveAt(now) && st.Until.After(until) {
		return nil
	}
	st = State{Until: &until, UpdatedAt: now}
	if err := w.save(ctx, st); err != nil {
		return err
	}
	w.logger.Debug().Time("until", until).Msg("maintenance window extended")
	return nil
}

// Disable closes the window. Closing a window that is not open is a no-op.
func (w *Window) Disable(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, err := w.load()
	if err != nil {
		return err
	}
	now := w.now().UTC()
	if !st.ActiveAt(now) {
		return nil
	}
	if err := w.save(ctx, State{UpdatedAt: now}); err != nil {
		return err
	}
	w.logger.Info().Msg("maintenance window closed")
	return nil
}

func (w *Window) Active(now time.Time) bool {
	st, err := w.Status()
	if err != nil {
		w.logger.Warn().Err(err).Msg("read maintenance state")
		return false
	}
	return st.ActiveAt(now)
}

func (w *Window) Status() (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load()
}

func (w *Window) load() (State, error) {
	var st State
	if _, err := fsatomic.LoadJSON(w.path, &st); err != nil {
		return State{}, fmt.Errorf("load maintenance state: %w", err)
	}
	return st, nil
}

func (w *Window) save(ctx context.Context, st State) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	if err := fsatomic.SaveJSON(ctx, w.path, st, 0o644); err != nil {
		return fmt.Errorf("save maintenance state: %w", err)
	}
	return nil
}
