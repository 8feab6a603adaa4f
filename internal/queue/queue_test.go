package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/podforge/podforge/internal/errs"
)

func newTestScheduler(workers int, opts ...Option) *Scheduler {
	opts = append([]Option{WithLogger(log.New(io.Discard))}, opts...)
	return NewScheduler(workers, opts...)
}

// collect drains Results until n results arrived or the timeout hits.
func collect(t *testing.T, s *Scheduler, n int) map[string]Result {
	t.Helper()
	got := make(map[string]Result, n)
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case r := <-s.Results():
			got[r.TaskID] = r
		case <-timeout:
			t.Fatalf("timed out with %d/%d results", len(got), n)
		}
	}
	return got
}

func TestScheduler_RunsAllTasks(t *testing.T) {
	s := newTestScheduler(3)

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		err := s.Submit(Task{
			ID:       fmt.Sprintf("t%d", i),
			Priority: PriorityNormal,
			Run: func(ctx context.Context, report func(Progress)) error {
				ran.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	results := collect(t, s, 20)
	s.Close()

	if ran.Load() != 20 {
		t.Errorf("ran %d tasks, want 20", ran.Load())
	}
	for id, r := range results {
		if r.Err != nil || !r.Started {
			t.Errorf("%s: err %v, started %v", id, r.Err, r.Started)
		}
	}
	st := s.Stats()
	if st.Submitted != 20 || st.Completed != 20 || st.Running != 0 || st.Queued != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestScheduler_BoundsWorkers(t *testing.T) {
	const workers = 2
	s := newTestScheduler(workers)

	var active, peak atomic.Int32
	for i := 0; i < 10; i++ {
		_ = s.Submit(Task{
			ID: fmt.Sprintf("t%d", i),
			Run: func(ctx context.Context, report func(Progress)) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			},
		})
	}
	collect(t, s, 10)
	s.Close()

	if p := peak.Load(); p > workers {
		t.Errorf("%d tasks ran at once, limit %d", p, workers)
	}
}

func TestScheduler_PriorityOrder(t *testing.T) {
	s := newTestScheduler(1)

	gate := make(chan struct{})
	_ = s.Submit(Task{ID: "gate", Run: func(ctx context.Context, report func(Progress)) error {
		<-gate
		return nil
	}})
	// Give the single worker time to pick up the gate task.
	time.Sleep(20 * time.Millisecond)

	var mu sync.Mutex
	var order []string
	record := func(id string) func(context.Context, func(Progress)) error {
		return func(context.Context, func(Progress)) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}
	submissions := []struct {
		id string
		p  Priority
	}{
		{"low", PriorityLow},
		{"normal-1", PriorityNormal},
		{"high", PriorityHigh},
		{"normal-2", PriorityNormal},
		{"critical", PriorityCritical},
	}
	for _, sub := range submissions {
		if err := s.Submit(Task{ID: sub.id, Priority: sub.p, Run: record(sub.id)}); err != nil {
			t.Fatal(err)
		}
	}
	close(gate)

	collect(t, s, len(submissions)+1)
	s.Close()

	want := []string{"critical", "high", "normal-1", "normal-2", "low"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("run order = %v, want %v", order, want)
	}
}

func TestScheduler_CancelSkipsQueuedTasks(t *testing.T) {
	s := newTestScheduler(1)

	started := make(chan struct{})
	_ = s.Submit(Task{ID: "running", Run: func(ctx context.Context, report func(Progress)) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		_ = s.Submit(Task{ID: fmt.Sprintf("queued-%d", i), Run: func(context.Context, func(Progress)) error {
			ran.Add(1)
			return nil
		}})
	}

	s.Cancel()
	results := collect(t, s, 4)
	s.Close()

	if ran.Load() != 0 {
		t.Errorf("%d queued tasks ran after Cancel", ran.Load())
	}
	for id, r := range results {
		if !errors.Is(r.Err, errs.ErrCancelled) && !errors.Is(r.Err, context.Canceled) {
			t.Errorf("%s: got %v, want cancellation", id, r.Err)
		}
		if id != "running" && r.Started {
			t.Errorf("%s was started", id)
		}
	}
	if !s.Cancelled() {
		t.Error("Cancelled() = false")
	}
	if st := s.Stats(); st.Cancelled != 4 {
		t.Errorf("cancelled = %d, want 4", st.Cancelled)
	}
}

func TestScheduler_ParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestScheduler(1, WithContext(ctx))
	cancel()

	_ = s.Submit(Task{ID: "late", Run: func(context.Context, func(Progress)) error {
		t.Error("task ran after parent context was cancelled")
		return nil
	}})
	r := collect(t, s, 1)["late"]
	s.Close()
	if !errors.Is(r.Err, errs.ErrCancelled) {
		t.Errorf("got %v, want cancellation", r.Err)
	}
}

func TestScheduler_SubmitAfterClose(t *testing.T) {
	s := newTestScheduler(1)
	s.Close()
	s.Close() // idempotent

	err := s.Submit(Task{ID: "x", Run: func(context.Context, func(Progress)) error { return nil }})
	if !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("got %v, want ErrSchedulerClosed", err)
	}
	if _, ok := <-s.Results(); ok {
		t.Error("Results not closed")
	}
	if _, ok := <-s.Progress(); ok {
		t.Error("Progress not closed")
	}
}

func TestScheduler_RejectsDuplicateIDs(t *testing.T) {
	s := newTestScheduler(1)
	gate := make(chan struct{})
	run := func(context.Context, func(Progress)) error {
		<-gate
		return nil
	}

	if err := s.Submit(Task{ID: "same", Run: run}); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(Task{ID: "same", Run: run}); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("got %v, want ErrDuplicateTask", err)
	}
	close(gate)
	collect(t, s, 1)

	// Once finished the ID may be reused.
	if err := s.Submit(Task{ID: "same", Run: run}); err != nil {
		t.Errorf("resubmit after completion: %v", err)
	}
	collect(t, s, 1)
	s.Close()
}

func TestScheduler_FailuresAndPanics(t *testing.T) {
	s := newTestScheduler(2)
	boom := errors.New("boom")

	_ = s.Submit(Task{ID: "fails", Run: func(context.Context, func(Progress)) error { return boom }})
	_ = s.Submit(Task{ID: "panics", Run: func(context.Context, func(Progress)) error { panic("bad input") }})
	_ = s.Submit(Task{ID: "fine", Run: func(context.Context, func(Progress)) error { return nil }})

	results := collect(t, s, 3)
	s.Close()

	if !errors.Is(results["fails"].Err, boom) {
		t.Errorf("fails: got %v", results["fails"].Err)
	}
	if results["panics"].Err == nil {
		t.Error("panic was not reported as an error")
	}
	if results["fine"].Err != nil {
		t.Errorf("fine: got %v", results["fine"].Err)
	}
	if st := s.Stats(); st.Failed != 2 || st.Completed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestScheduler_ProgressIsNonBlocking(t *testing.T) {
	s := newTestScheduler(1, WithProgressBuffer(2))

	_ = s.Submit(Task{ID: "chatty", Run: func(ctx context.Context, report func(Progress)) error {
		for i := 0; i < 10; i++ {
			report(Progress{Fraction: float64(i) / 10, Message: "working"})
		}
		return nil
	}})

	r := collect(t, s, 1)["chatty"]
	if r.Err != nil {
		t.Fatalf("task failed: %v", r.Err)
	}

	first := <-s.Progress()
	if first.TaskID != "chatty" || first.Fraction != 0 {
		t.Errorf("first progress = %+v", first)
	}
	if st := s.Stats(); st.DroppedProgress != 8 {
		t.Errorf("dropped = %d, want 8", st.DroppedProgress)
	}
	s.Close()
}
