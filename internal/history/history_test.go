package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(zerolog.Nop(), filepath.Join(t.TempDir(), "migrations", "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndGet(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0).UTC()
	r := Run{ID: "r1", Pool: "tank", Kind: "pool-replace", Sources: []string{"/dev/sda"}, Destinations: []string{"/dev/sdc"}, StartedAt: start}
	if err := s.Record(ctx, r); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FinishedAt != nil || got.OK || got.Sources[0] != "/dev/sda" || !got.StartedAt.Equal(start) {
		t.Fatalf("unexpected run: %+v", got)
	}

	end := start.Add(time.Hour)
	r.FinishedAt = &end
	r.OK = false
	r.Error = "disconnection error"
	r.Committed = []string{"auto-expand"}
	if err := s.Record(ctx, r); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.Get(ctx, "r1")
	if got.FinishedAt == nil || !got.FinishedAt.Equal(end) || got.Error == "" || len(got.Committed) != 1 {
		t.Fatalf("update not stored: %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestListNewestFirstWithFilter(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	for i, pool := range []string{"tank", "backup", "tank"} {
		_ = s.Record(ctx, Run{ID: pool + string(rune('a'+i)), Pool: pool, Kind: "pool-replace", StartedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	all, err := s.List(ctx, Filter{})
	if err != nil || len(all) != 3 || all[0].ID != "tankc" {
		t.Fatalf("list all: %v %v", all, err)
	}
	tank, _ := s.List(ctx, Filter{Pool: "tank", Limit: 1})
	if len(tank) != 1 || tank[0].ID != "tankc" {
		t.Fatalf("filtered: %v", tank)
	}
}
