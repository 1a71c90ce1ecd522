package txstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "tx"))
	now := time.Now().UTC().Truncate(time.Second)
	tx := Tx{
		ID:        NewID(),
		Kind:      "pool-replace",
		Pool:      "tank",
		Sources:   []string{"/dev/sda"},
		StartedAt: now,
		Steps:     []Step{{Name: "auto-expand", Status: StepPending}},
	}
	if err := s.Save(context.Background(), tx); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.Load(tx.ID)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Pool != "tank" || got.Step("auto-expand") == nil || got.Done() {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, ok, err := s.Load(NewID()); ok || err != nil {
		t.Fatalf("missing record: ok=%v err=%v", ok, err)
	}
}

func TestRejectsNonUUIDIDs(t *testing.T) {
	s := New(t.TempDir())
	for _, id := range []string{"", "../etc/passwd", "abc"} {
		if _, _, err := s.Load(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("Load(%q) err = %v", id, err)
		}
		if _, _, err := s.ReadLog(id, 0, 10); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("ReadLog(%q) err = %v", id, err)
		}
	}
	if err := s.Save(context.Background(), Tx{ID: "x"}); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("save err = %v", err)
	}
}

func TestReadLogCursor(t *testing.T) {
	s := New(t.TempDir())
	id := NewID()
	lines, next, err := s.ReadLog(id, 0, 10)
	if err != nil || len(lines) != 0 || next != 0 {
		t.Fatalf("empty log: %v %d %v", lines, next, err)
	}
	f, err := os.Create(s.LogPath(id))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		fmt.Fprintf(f, "{\"n\":%d}\n", i)
	}
	_ = f.Close()

	lines, next, _ = s.ReadLog(id, 0, 3)
	if len(lines) != 3 || next != 3 {
		t.Fatalf("first page: %v next=%d", lines, next)
	}
	lines, next, _ = s.ReadLog(id, next, 3)
	if len(lines) != 2 || lines[0] != `{"n":3}` || next != 5 {
		t.Fatalf("second page: %v next=%d", lines, next)
	}
	lines, next, _ = s.ReadLog(id, next, 3)
	if len(lines) != 0 || next != 5 {
		t.Fatalf("drained: %v next=%d", lines, next)
	}
}
