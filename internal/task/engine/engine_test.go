package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "postflow/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task outcome")
		return Outcome{}
	}
}

func TestEnqueueRunsTaskAndReportsOutcome(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	done := make(chan Outcome, 1)
	err := s.Enqueue(Task{
		Name:   "ok",
		Run:    func(context.Context) error { return nil },
		OnDone: func(o Outcome) { done <- o },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	out := waitOutcome(t, done)
	if out.Err != nil || out.Dropped || out.Attempts != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Name != "ok" || !strings.HasPrefix(out.ID, "tsk-") {
		t.Fatalf("unexpected identity: %+v", out)
	}
}

func TestSkipIfRunningRejectsSecondRun(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})

	st := &RunState{}
	release := make(chan struct{})
	done := make(chan Outcome, 1)
	task := Task{
		Name:   "slow",
		State:  st,
		Opt:    TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:    func(context.Context) error { <-release; return nil },
		OnDone: func(o Outcome) { done <- o },
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if !st.Busy() {
		t.Fatal("state should be busy after enqueue")
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitOutcome(t, done)
	if st.Busy() {
		t.Fatal("state should be released before OnDone")
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("Enqueue after completion: %v", err)
	}
}

func TestTimeoutCancelsRun(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	done := make(chan Outcome, 1)
	_ = s.Enqueue(Task{
		Name:    "hang",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnDone: func(o Outcome) { done <- o },
	})
	out := waitOutcome(t, done)
	if !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", out.Err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	done := make(chan Outcome, 2)
	_ = s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("kaboom") }, OnDone: func(o Outcome) { done <- o }})
	out := waitOutcome(t, done)
	if out.Err == nil || !strings.Contains(out.Err.Error(), "kaboom") {
		t.Fatalf("err = %v, want panic error", out.Err)
	}

	// The worker survives.
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }, OnDone: func(o Outcome) { done <- o }})
	if out := waitOutcome(t, done); out.Err != nil {
		t.Fatalf("follow-up task failed: %v", out.Err)
	}
}

func TestRetryAndNoRetry(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	tests := []struct {
		name     string
		err      error
		wantRuns int32
	}{
		{name: "retriable", err: errors.New("flaky"), wantRuns: 3},
		{name: "permanent", err: NoRetry(errors.New("bad input")), wantRuns: 1},
	}
	for _, tt := range tests {
		var runs atomic.Int32
		done := make(chan Outcome, 1)
		_ = s.Enqueue(Task{
			Name: tt.name,
			Opt:  TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
			Run: func(context.Context) error {
				runs.Add(1)
				return tt.err
			},
			OnDone: func(o Outcome) { done <- o },
		})
		out := waitOutcome(t, done)
		if got := runs.Load(); got != tt.wantRuns {
			t.Fatalf("%s: runs = %d, want %d", tt.name, got, tt.wantRuns)
		}
		if out.Err == nil || IsNoRetry(out.Err) {
			t.Fatalf("%s: err = %v, want unwrapped failure", tt.name, out.Err)
		}
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestStopReleasesQueuedState(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}})
	<-started

	st := &RunState{}
	dropped := make(chan Outcome, 1)
	if err := s.Enqueue(Task{Name: "queued", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error { return nil }, OnDone: func(o Outcome) { dropped <- o }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	close(block)

	out := waitOutcome(t, dropped)
	if !out.Dropped || !errors.Is(out.Err, ErrStopping) {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if st.Busy() {
		t.Fatal("queued task state still held after stop")
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	if got := backoffDelay(opt, 1, nil); got != 100*time.Millisecond {
		t.Fatalf("retry 1 = %v", got)
	}
	if got := backoffDelay(opt, 3, nil); got != 400*time.Millisecond {
		t.Fatalf("retry 3 = %v", got)
	}
	if got := backoffDelay(opt, 10, nil); got != time.Second {
		t.Fatalf("retry 10 = %v, want cap", got)
	}
}
