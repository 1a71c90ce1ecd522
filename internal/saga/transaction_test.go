package saga

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type journal struct{ calls []string }

func (j *journal) add(s string) { j.calls = append(j.calls, s) }

func (j *journal) only(phase string) []string {
	out := []string{}
	for _, c := range j.calls {
		var name, p string
		fmt.Sscanf(c, "%s %s", &p, &name)
		if p == phase {
			out = append(out, name)
		}
	}
	return out
}

type fakeStage struct {
	name        string
	commitErr   error
	rollbackErr error
	cleanupErr  error
}

func (s fakeStage) Name() string { return s.name }
func (s fakeStage) Commit(_ context.Context, j *journal) error {
	j.add("commit " + s.name)
	return s.commitErr
}
func (s fakeStage) Cleanup(_ context.Context, j *journal) error {
	j.add("cleanup " + s.name)
	return s.cleanupErr
}
func (s fakeStage) Rollback(_ context.Context, j *journal) error {
	j.add("rollback " + s.name)
	return s.rollbackErr
}

func stagesFailingAt(n, k int) []Stage[*journal] {
	out := make([]Stage[*journal], 0, n)
	for i := 1; i <= n; i++ {
		st := fakeStage{name: fmt.Sprintf("s%d", i)}
		if i == k {
			st.commitErr = fmt.Errorf("boom at s%d", i)
		}
		out = append(out, st)
	}
	return out
}

func TestRunFailureRollsBackCommittedInReverse(t *testing.T) {
	for n := 1; n <= 5; n++ {
		for k := 1; k <= n; k++ {
			j := &journal{}
			tx := New[*journal](zerolog.Nop(), nil)
			err := tx.Run(context.Background(), j, stagesFailingAt(n, k))
			if err == nil || err.Error() != fmt.Sprintf("boom at s%d", k) {
				t.Fatalf("n=%d k=%d: want original commit error, got %v", n, k, err)
			}

			wantCleanup := map[string]bool{}
			for i := 1; i <= k; i++ {
				wantCleanup[fmt.Sprintf("s%d", i)] = true
			}
			gotCleanup := j.only("cleanup")
			if len(gotCleanup) != k {
				t.Fatalf("n=%d k=%d: cleanup calls %v", n, k, gotCleanup)
			}
			for _, name := range gotCleanup {
				if !wantCleanup[name] {
					t.Fatalf("n=%d k=%d: unexpected cleanup of %s", n, k, name)
				}
			}

			wantRollback := []string{}
			for i := k - 1; i >= 1; i-- {
				wantRollback = append(wantRollback, fmt.Sprintf("s%d", i))
			}
			if got := j.only("rollback"); !reflect.DeepEqual(got, wantRollback) {
				t.Fatalf("n=%d k=%d: rollback order %v, want %v", n, k, got, wantRollback)
			}
			if got := tx.Committed(); len(got) != k-1 {
				t.Fatalf("n=%d k=%d: committed %v", n, k, got)
			}
		}
	}
}

func TestRunSuccessCleansUpEveryStageOnce(t *testing.T) {
	j := &journal{}
	tx := New[*journal](zerolog.Nop(), nil)
	if err := tx.Run(context.Background(), j, stagesFailingAt(3, 0)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := j.only("rollback"); len(got) != 0 {
		t.Fatalf("rollback on success: %v", got)
	}
	if got := j.only("cleanup"); !reflect.DeepEqual(got, []string{"s3", "s2", "s1"}) {
		t.Fatalf("cleanup calls: %v", got)
	}
	if got := tx.Committed(); !reflect.DeepEqual(got, []string{"s1", "s2", "s3"}) {
		t.Fatalf("committed: %v", got)
	}
}

func TestRollbackBeforeCleanup(t *testing.T) {
	j := &journal{}
	tx := New[*journal](zerolog.Nop(), nil)
	_ = tx.Run(context.Background(), j, stagesFailingAt(2, 2))
	want := []string{"commit s1", "commit s2", "rollback s1", "cleanup s2", "cleanup s1"}
	if !reflect.DeepEqual(j.calls, want) {
		t.Fatalf("calls %v, want %v", j.calls, want)
	}
}

func TestRollbackErrorDoesNotStopEarlierRollbacks(t *testing.T) {
	j := &journal{}
	stages := []Stage[*journal]{
		fakeStage{name: "s1"},
		fakeStage{name: "s2", rollbackErr: errors.New("cannot undo s2"), cleanupErr: errors.New("cleanup s2")},
		fakeStage{name: "s3", commitErr: errors.New("boom")},
	}
	tx := New[*journal](zerolog.Nop(), nil)
	err := tx.Run(context.Background(), j, stages)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("want boom, got %v", err)
	}
	if got := j.only("rollback"); !reflect.DeepEqual(got, []string{"s2", "s1"}) {
		t.Fatalf("rollback order: %v", got)
	}
	if got := j.only("cleanup"); len(got) != 3 {
		t.Fatalf("every attempted stage needs cleanup: %v", got)
	}
	f := tx.Failures()
	if len(f) != 2 || f[0].Phase != PhaseRollback || f[1].Phase != PhaseCleanup || f[0].Stage != "s2" {
		t.Fatalf("failures: %+v", f)
	}
}

func TestRunCanceledBeforeSecondStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &journal{}
	stages := []Stage[*journal]{
		cancelStage{fakeStage: fakeStage{name: "s1"}, cancel: cancel},
		fakeStage{name: "s2"},
	}
	tx := New[*journal](zerolog.Nop(), nil)
	err := tx.Run(ctx, j, stages)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
	want := []string{"commit s1", "rollback s1", "cleanup s1"}
	if !reflect.DeepEqual(j.calls, want) {
		t.Fatalf("calls %v, want %v", j.calls, want)
	}
}

type cancelStage struct {
	fakeStage
	cancel context.CancelFunc
}

func (s cancelStage) Commit(ctx context.Context, j *journal) error {
	err := s.fakeStage.Commit(ctx, j)
	s.cancel()
	return err
}

func (s cancelStage) Rollback(ctx context.Context, j *journal) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.fakeStage.Rollback(ctx, j)
}

func TestRunIsSingleUse(t *testing.T) {
	tx := New[*journal](zerolog.Nop(), nil)
	_ = tx.Run(context.Background(), &journal{}, nil)
	if err := tx.Run(context.Background(), &journal{}, nil); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("want ErrAlreadyRun, got %v", err)
	}
}

type recObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recObserver) StageStarted(stage string, phase Phase) {
	o.mu.Lock()
	o.events = append(o.events, "start "+string(phase)+" "+stage)
	o.mu.Unlock()
}

func (o *recObserver) StageFinished(stage string, phase Phase, _ time.Duration, err error) {
	o.mu.Lock()
	o.events = append(o.events, fmt.Sprintf("end %s %s %v", phase, stage, err != nil))
	o.mu.Unlock()
}

func TestObserverSeesEveryCall(t *testing.T) {
	obs := &recObserver{}
	tx := New[*journal](zerolog.Nop(), obs)
	_ = tx.Run(context.Background(), &journal{}, stagesFailingAt(2, 2))
	want := []string{
		"start commit s1", "end commit s1 false",
		"start commit s2", "end commit s2 true",
		"start rollback s1", "end rollback s1 false",
		"start cleanup s2", "end cleanup s2 false",
		"start cleanup s1", "end cleanup s1 false",
	}
	if !reflect.DeepEqual(obs.events, want) {
		t.Fatalf("observer events %v", obs.events)
	}
}
