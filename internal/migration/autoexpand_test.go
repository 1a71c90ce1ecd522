package migration

import (
	"context"
	"errors"
	"testing"
)

func TestAutoExpandStage(t *testing.T) {
	p := examplePool()
	st := AutoExpandStage{Mutator: p}
	mc := exampleContext(false)
	if err := st.Commit(context.Background(), mc); err != nil || !p.autoExpand {
		t.Fatalf("commit: err=%v on=%v", err, p.autoExpand)
	}
	if err := st.Rollback(context.Background(), mc); err != nil || p.autoExpand {
		t.Fatalf("rollback: err=%v on=%v", err, p.autoExpand)
	}
	_ = st.Commit(context.Background(), mc)
	if err := st.Cleanup(context.Background(), mc); err != nil || p.autoExpand {
		t.Fatalf("cleanup: err=%v on=%v", err, p.autoExpand)
	}
}

func TestAutoExpandStageErrors(t *testing.T) {
	p := examplePool()
	p.autoExpandEr = errors.New("property is read-only")
	st := AutoExpandStage{Mutator: p}
	err := st.Commit(context.Background(), exampleContext(false))
	var me *Error
	if !errors.As(err, &me) || me.Kind != Mutation || me.Op != "set-autoexpand" {
		t.Fatalf("commit error = %v", err)
	}
	err = st.Cleanup(context.Background(), exampleContext(false))
	if !errors.As(err, &me) || me.Op != "unset-autoexpand" {
		t.Fatalf("cleanup error = %v", err)
	}
}
