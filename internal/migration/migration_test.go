package migration

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"nithronos/nosmigrate/internal/saga"
)

func newExampleMigration(t *testing.T, p *simPool, w MaintenanceWindow) *PoolReplaceMigration {
	t.Helper()
	m, err := New(PoolReplace, Deps{Inventory: p, Mutator: p, Maintenance: w, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return m.(*PoolReplaceMigration)
}

// withoutSleep disables the poll delay of the drive replace stage.
func withoutSleep(stages []saga.Stage[*Context]) []saga.Stage[*Context] {
	for i, st := range stages {
		if dr, ok := st.(DriveReplaceStage); ok {
			dr.sleep = noSleep
			stages[i] = dr
		}
	}
	return stages
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(PoolReplace, Deps{}); err == nil {
		t.Fatalf("expected error without inventory and mutator")
	}
	p := examplePool()
	if _, err := New(Kind(42), Deps{Inventory: p, Mutator: p}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"", "pool-replace", "Replace"} {
		if k, err := ParseKind(s); err != nil || k != PoolReplace {
			t.Fatalf("ParseKind(%q) = %v, %v", s, k, err)
		}
	}
	if _, err := ParseKind("firmware-flash"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCreateStagesOrder(t *testing.T) {
	m := newExampleMigration(t, examplePool(), nil)
	var names []string
	for _, st := range m.CreateStages() {
		names = append(names, st.Name())
	}
	if !reflect.DeepEqual(names, []string{"auto-expand", "drive-replace"}) {
		t.Fatalf("stages = %v", names)
	}
}

func TestPreflightValidate(t *testing.T) {
	p := examplePool()
	m := newExampleMigration(t, p, nil)
	ctx := context.Background()

	if err := m.Validate(ctx, exampleContext(false)); err != nil {
		t.Fatalf("valid mapping rejected: %v", err)
	}
	cases := map[string]*Context{
		"no pool":       NewContext("", PoolReplace, []DriveID{"disk-A"}, []DriveID{"disk-C"}, false),
		"no drives":     NewContext("tank", PoolReplace, nil, nil, false),
		"uneven lists":  NewContext("tank", PoolReplace, []DriveID{"disk-A", "disk-B"}, []DriveID{"disk-C"}, false),
		"not in pool":   NewContext("tank", PoolReplace, []DriveID{"disk-X"}, []DriveID{"disk-C"}, false),
		"overlap lists": NewContext("tank", PoolReplace, []DriveID{"disk-A"}, []DriveID{"disk-A"}, false),
	}
	for name, mc := range cases {
		if err := m.Validate(ctx, mc); !IsKind(err, Validation) {
			t.Fatalf("%s: want validation error, got %v", name, err)
		}
	}
	if len(p.mutations()) != 0 {
		t.Fatalf("pre-flight must not mutate: %v", p.mutations())
	}
}

func TestMigrationRunsAsTransaction(t *testing.T) {
	p := examplePool()
	w := &fakeWindow{}
	m := newExampleMigration(t, p, w)
	mc := exampleContext(true)

	tx := saga.New[*Context](zerolog.Nop(), nil)
	if err := tx.Run(context.Background(), mc, withoutSleep(m.CreateStages())); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{
		"autoexpand tank true",
		"replace tank disk-A disk-C",
		"replace tank disk-B disk-D",
		"autoexpand tank false",
	}
	if got := p.mutations(); !reflect.DeepEqual(got, want) {
		t.Fatalf("mutations = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(tx.Committed(), []string{"auto-expand", "drive-replace"}) {
		t.Fatalf("committed = %v", tx.Committed())
	}
	if w.disables != 1 {
		t.Fatalf("maintenance not released: %d", w.disables)
	}
}

func TestMigrationFailureRollsBackAutoExpand(t *testing.T) {
	p := examplePool()
	p.onPoll = func(sp *simPool) {
		if sp.polls == 2 {
			sp.unplug("disk-C")
		}
	}
	w := &fakeWindow{}
	m := newExampleMigration(t, p, w)
	mc := exampleContext(true)

	tx := saga.New[*Context](zerolog.Nop(), nil)
	err := tx.Run(context.Background(), mc, withoutSleep(m.CreateStages()))
	if !IsKind(err, Disconnection) {
		t.Fatalf("want disconnection, got %v", err)
	}
	want := []string{
		"autoexpand tank true",
		"replace tank disk-A disk-C",
		"detach tank disk-C",
		"autoexpand tank false", // rollback of auto-expand
		"autoexpand tank false", // cleanup of auto-expand
	}
	if got := p.mutations(); !reflect.DeepEqual(got, want) {
		t.Fatalf("mutations = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(tx.Committed(), []string{"auto-expand"}) {
		t.Fatalf("committed = %v", tx.Committed())
	}
	if w.disables != 1 || mc.MaintenanceHeld() {
		t.Fatalf("maintenance: disables=%d held=%v", w.disables, mc.MaintenanceHeld())
	}
	if len(tx.Failures()) != 0 {
		t.Fatalf("unexpected unwind failures: %v", tx.Failures())
	}
}

func TestMigrationAutoExpandFailureStopsBeforeReplace(t *testing.T) {
	p := examplePool()
	p.autoExpandEr = errors.New("no such pool")
	m := newExampleMigration(t, p, nil)
	tx := saga.New[*Context](zerolog.Nop(), nil)
	err := tx.Run(context.Background(), exampleContext(false), withoutSleep(m.CreateStages()))
	if !IsKind(err, Mutation) {
		t.Fatalf("want mutation error, got %v", err)
	}
	for _, c := range p.mutations() {
		if c[:7] == "replace" {
			t.Fatalf("replace issued after failed auto-expand: %v", p.mutations())
		}
	}
	// the failed cleanup is swallowed and recorded
	if f := tx.Failures(); len(f) != 1 || f[0].Phase != saga.PhaseCleanup {
		t.Fatalf("failures = %v", f)
	}
}
