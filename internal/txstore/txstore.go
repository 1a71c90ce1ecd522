// Package txstore persists migration transaction records and their event
// logs under the state directory.
package txstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"nithronos/nosmigrate/internal/fsatomic"
)

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepOK         StepStatus = "ok"
	StepError      StepStatus = "error"
	StepRolledBack StepStatus = "rolled_back"
)

type Step struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Err        string     `json:"err,omitempty"`
}

// Failure is a swallowed rollback or cleanup error.
type Failure struct {
	Step  string `json:"step"`
	Phase string `json:"phase"`
	Err   string `json:"err"`
}

type Tx struct {
	ID                   string     `json:"id"`
	Kind                 string     `json:"kind"`
	Pool                 string     `json:"pool"`
	Sources              []string   `json:"sources"`
	Destinations         []string   `json:"destinations"`
	MaintenanceRequested bool       `json:"maintenance"`
	StartedAt            time.Time  `json:"startedAt"`
	FinishedAt           *time.Time `json:"finishedAt,omitempty"`
	Steps                []Step     `json:"steps"`
	Committed            []string   `json:"committed,omitempty"`
	Failures             []Failure  `json:"failures,omitempty"`
	OK                   bool       `json:"ok"`
	Error                string     `json:"error,omitempty"`
	ErrorKind            string     `json:"errorKind,omitempty"`
}

// Done reports whether the run has finished, successfully or not.
func (t Tx) Done() bool { return t.FinishedAt != nil }

// Step returns a pointer to the named step, or nil.
func (t *Tx) Step(name string) *Step {
	for i := range t.Steps {
		if t.Steps[i].Name == name {
			return &t.Steps[i]
		}
	}
	return nil
}

var ErrInvalidID = errors.New("invalid transaction id")

// Store keeps <id>.json and <id>.log files in Dir.
type Store struct {
	Dir string
}

func New(dir string) *Store { return &Store{Dir: dir} }

func NewID() string { return uuid.New().String() }

func (s *Store) path(id string) string    { return filepath.Join(s.Dir, id+".json") }
func (s *Store) LogPath(id string) string { return filepath.Join(s.Dir, id+".log") }

func (s *Store) Save(ctx context.Context, t Tx) error {
	if err := checkID(t.ID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create tx dir: %w", err)
	}
	return fsatomic.SaveJSON(ctx, s.path(t.ID), t, 0o600)
}

// Load returns ok=false when no record exists for id.
func (s *Store) Load(id string) (Tx, bool, error) {
	if err := checkID(id); err != nil {
		return Tx{}, false, err
	}
	var t Tx
	ok, err := fsatomic.LoadJSON(s.path(id), &t)
	if err != nil || !ok {
		return Tx{}, ok, err
	}
	return t, true, nil
}

// ReadLog returns up to max log lines starting at line cursor and the cursor
// to pass next time. A missing log reads as empty.
func (s *Store) ReadLog(id string, cursor, max int) ([]string, int, error) {
	if err := checkID(id); err != nil {
		return nil, cursor, err
	}
	f, err := os.Open(s.LogPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, cursor, nil
		}
		return nil, cursor, err
	}
	defer f.Close()
	lines := []string{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	idx := 0
	for sc.Scan() {
		if idx >= cursor {
			if len(lines) >= max {
				break
			}
			lines = append(lines, sc.Text())
		}
		idx++
	}
	if err := sc.Err(); err != nil {
		return lines, idx, err
	}
	return lines, idx, nil
}

// ids are uuids; anything else could escape Dir
func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
