package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"

	"postflow/internal/task/engine"
	logx "postflow/pkg/logx"
)

// A tick far larger than any test advance keeps the background ticker quiet,
// so tests drive evaluation through tick() directly.
const quietTick = 10000 * time.Hour

func newTestScheduler(t *testing.T, fc *clockwork.FakeClock, tick time.Duration) *Service {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 4}, logx.Nop(), nil, engine.WithClock(fc))
	eng.Start(context.Background())
	s := New(Config{Tick: tick}, eng, logx.Nop(), nil, WithClock(fc))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func jobStatus(t *testing.T, s *Service, name string) JobStatus {
	t.Helper()
	st, err := s.Status(name)
	if err != nil {
		t.Fatalf("Status(%q): %v", name, err)
	}
	return st.Jobs[0]
}

// blockingHandler signals on started and waits for a value on release per call.
type blockingHandler struct {
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{started: make(chan struct{}, 16), release: make(chan struct{}, 16)}
}

func (h *blockingHandler) Execute(ctx context.Context) (Result, error) {
	h.calls.Add(1)
	n := h.active.Add(1)
	defer h.active.Add(-1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	h.started <- struct{}{}
	select {
	case <-h.release:
		return Result{Message: "done"}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func waitStarted(t *testing.T, h *blockingHandler) {
	t.Helper()
	select {
	case <-h.started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not start")
	}
}

func TestDailyJobFiresOncePerDayAndRejectsOverlappingTrigger(t *testing.T) {
	t.Parallel()
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	fc := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 5, 59, 0, 0, la))
	s := newTestScheduler(t, fc, quietTick)
	h := newBlockingHandler()

	if err := s.Register("daily-batch", "0 6 * * *", h, Options{Timezone: "America/Los_Angeles"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Start(context.Background())

	firstFire := time.Date(2026, 3, 10, 6, 0, 0, 0, la)
	if got := jobStatus(t, s, "daily-batch").NextRunAt; !got.Equal(firstFire) {
		t.Fatalf("NextRunAt = %v, want %v", got, firstFire)
	}

	fc.Advance(time.Minute)
	s.tick(fc.Now())
	waitStarted(t, h)

	fc.Advance(30 * time.Second)
	err = s.Trigger("daily-batch")
	var already *AlreadyRunningError
	if !errors.As(err, &already) || already.Name != "daily-batch" {
		t.Fatalf("Trigger during run err = %v, want AlreadyRunningError", err)
	}
	if st := jobStatus(t, s, "daily-batch"); st.State != JobRunning {
		t.Fatalf("State = %s, want running", st.State)
	}

	// A later tick on the same day neither re-fires nor queues.
	s.tick(fc.Now())
	if got := h.calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}

	h.release <- struct{}{}
	waitFor(t, "first run recorded", func() bool { return jobStatus(t, s, "daily-batch").SuccessCount == 1 })

	st := jobStatus(t, s, "daily-batch")
	if st.RunCount != 1 || st.ErrorCount != 0 {
		t.Fatalf("stats = %+v", st.Stats)
	}
	if !st.LastRunAt.Equal(firstFire) {
		t.Fatalf("LastRunAt = %v, want %v", st.LastRunAt, firstFire)
	}
	if st.LastDurationMs != 30000 {
		t.Fatalf("LastDurationMs = %d, want 30000", st.LastDurationMs)
	}
	secondFire := time.Date(2026, 3, 11, 6, 0, 0, 0, la)
	if !st.NextRunAt.Equal(secondFire) {
		t.Fatalf("NextRunAt = %v, want %v", st.NextRunAt, secondFire)
	}

	fc.Advance(secondFire.Sub(fc.Now()))
	s.tick(fc.Now())
	waitStarted(t, h)
	h.release <- struct{}{}
	waitFor(t, "second run recorded", func() bool { return jobStatus(t, s, "daily-batch").RunCount == 2 })
	if got := h.calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestConcurrentTriggersAreSingleFlight(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	s := newTestScheduler(t, fc, quietTick)
	h := newBlockingHandler()
	if err := s.Register("sync", "*/5 * * * *", h, Options{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Start(context.Background())

	const n = 16
	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		already atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Trigger("sync")
			switch {
			case err == nil:
				ok.Add(1)
			case IsAlreadyRunning(err):
				already.Add(1)
			default:
				t.Errorf("Trigger: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || already.Load() != n-1 {
		t.Fatalf("ok=%d already=%d, want 1/%d", ok.Load(), already.Load(), n-1)
	}

	waitStarted(t, h)
	// A scheduled fire while the manual run is in flight is dropped.
	fc.Advance(5 * time.Minute)
	s.tick(fc.Now())
	h.release <- struct{}{}
	waitFor(t, "run recorded", func() bool { return jobStatus(t, s, "sync").RunCount == 1 })
	if h.peak.Load() != 1 || h.calls.Load() != 1 {
		t.Fatalf("peak=%d calls=%d, want 1/1", h.peak.Load(), h.calls.Load())
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	s := newTestScheduler(t, fc, quietTick)

	s.Start(context.Background())
	s.mu.Lock()
	first := s.sup
	s.mu.Unlock()

	s.Start(context.Background())
	s.mu.Lock()
	second := s.sup
	s.mu.Unlock()

	if first == nil || first != second {
		t.Fatal("second Start replaced the tick loop")
	}
	if c := first.Counters(); c.Started != 1 {
		t.Fatalf("tick goroutines started = %d, want 1", c.Started)
	}
	st, _ := s.Status("")
	if st.State != RegistryRunning {
		t.Fatalf("State = %s, want running", st.State)
	}
}

func TestReRegisterResetsStats(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	s := newTestScheduler(t, fc, quietTick)
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	})

	if err := s.Register("cleanup", "@hourly", h, Options{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Trigger("cleanup"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "run recorded", func() bool { return jobStatus(t, s, "cleanup").RunCount == 1 })

	if !s.Unregister("cleanup") {
		t.Fatal("Unregister returned false")
	}
	if _, err := s.Status("cleanup"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("Status after unregister err = %v, want ErrUnknownJob", err)
	}
	if err := s.Register("cleanup", "@hourly", h, Options{}); err != nil {
		t.Fatalf("Register again: %v", err)
	}
	st := jobStatus(t, s, "cleanup")
	if st.RunCount != 0 || st.SuccessCount != 0 || st.ErrorCount != 0 || !st.LastRunAt.IsZero() {
		t.Fatalf("stats not reset: %+v", st.Stats)
	}
}

func TestHandlerErrorIsCountedAndJobStaysScheduled(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 9, 59, 0, 0, time.UTC))
	s := newTestScheduler(t, fc, quietTick)
	h := HandlerFunc(func(context.Context) (Result, error) { return Result{}, errors.New("db down") })
	if err := s.Register("monitor", "0 10 * * *", h, Options{Timezone: "UTC"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Start(context.Background())

	fc.Advance(time.Minute)
	s.tick(fc.Now())
	waitFor(t, "failure recorded", func() bool { return jobStatus(t, s, "monitor").ErrorCount == 1 })

	st := jobStatus(t, s, "monitor")
	if st.SuccessCount != 0 || st.RunCount != 1 || st.LastError != "db down" {
		t.Fatalf("stats = %+v", st.Stats)
	}
	if want := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC); !st.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", st.NextRunAt, want)
	}
	if !s.Running() {
		t.Fatal("registry stopped after handler error")
	}
}

func TestStoppedRegistryDoesNotFire(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 9, 59, 0, 0, time.UTC))
	s := newTestScheduler(t, fc, quietTick)
	var calls atomic.Int32
	_ = s.Register("j", "0 10 * * *", HandlerFunc(func(context.Context) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	}), Options{Timezone: "UTC"})

	fc.Advance(time.Minute)
	s.tick(fc.Now())
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("job fired while registry stopped")
	}
	st, _ := s.Status("")
	if st.State != RegistryStopped {
		t.Fatalf("State = %s, want stopped", st.State)
	}
}

func TestRunImmediately(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	s := newTestScheduler(t, fc, quietTick)
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context) (Result, error) {
		calls.Add(1)
		return Result{Counts: map[string]int{"selected": 3}}, nil
	})

	// Registered while stopped: runs once on Start.
	if err := s.Register("warmup", "0 0 1 1 *", h, Options{RunImmediately: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("immediate run before Start")
	}
	s.Start(context.Background())
	waitFor(t, "immediate run", func() bool { return jobStatus(t, s, "warmup").SuccessCount == 1 })

	st := jobStatus(t, s, "warmup")
	if st.LastResult == nil || st.LastResult.Counts["selected"] != 3 {
		t.Fatalf("LastResult = %+v", st.LastResult)
	}
}

func TestUnregisteredInFlightRunIsNotTracked(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	s := newTestScheduler(t, fc, quietTick)
	h := newBlockingHandler()
	_ = s.Register("gone", "@daily", h, Options{})
	if err := s.Trigger("gone"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitStarted(t, h)

	s.Unregister("gone")
	_ = s.Register("gone", "@daily", h, Options{})
	// The predecessor still holds the single-flight guard.
	if err := s.Trigger("gone"); !IsAlreadyRunning(err) {
		t.Fatalf("Trigger err = %v, want AlreadyRunningError", err)
	}
	h.release <- struct{}{}
	waitFor(t, "guard released", func() bool { return jobStatus(t, s, "gone").State == JobIdle })
	time.Sleep(10 * time.Millisecond)
	if st := jobStatus(t, s, "gone"); st.RunCount != 0 {
		t.Fatalf("replacement inherited stats: %+v", st.Stats)
	}
}

func TestUnregisterMidRunReleasesGuard(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	s := newTestScheduler(t, fc, quietTick)
	h := newBlockingHandler()
	_ = s.Register("one-off", "@daily", h, Options{})
	if err := s.Trigger("one-off"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitStarted(t, h)

	s.Unregister("one-off")
	s.mu.Lock()
	_, kept := s.states["one-off"]
	s.mu.Unlock()
	if !kept {
		t.Fatal("guard dropped while the run is in flight")
	}
	h.release <- struct{}{}
	waitFor(t, "guard removed", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.states["one-off"]
		return !ok
	})
}

func TestTickerDrivesEvaluation(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, fc, time.Minute)
	fired := make(chan struct{}, 4)
	_ = s.Register("every-minute", "* * * * *", HandlerFunc(func(context.Context) (Result, error) {
		fired <- struct{}{}
		return Result{}, nil
	}), Options{Timezone: "UTC"})
	s.Start(context.Background())

	fc.Advance(time.Minute)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not fire the due job")
	}
}

func TestRegisterRejectsInvalidSchedules(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	h := HandlerFunc(func(context.Context) (Result, error) { return Result{}, nil })

	tests := []struct {
		name string
		spec string
		tz   string
	}{
		{name: "garbage", spec: "not a cron"},
		{name: "too many fields", spec: "0 0 6 * * * *"},
		{name: "out of range", spec: "61 6 * * *"},
		{name: "empty", spec: "  "},
		{name: "tz prefix", spec: "CRON_TZ=UTC 0 6 * * *"},
		{name: "bad timezone", spec: "0 6 * * *", tz: "Mars/Olympus"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := s.Register("j", tt.spec, h, Options{Timezone: tt.tz})
			var inv *InvalidScheduleError
			if !errors.As(err, &inv) {
				t.Fatalf("err = %v, want InvalidScheduleError", err)
			}
		})
	}
	if _, err := s.Status("j"); !errors.Is(err, ErrUnknownJob) {
		t.Fatal("invalid registration must not create a job")
	}
}

func TestTriggerUnknownJob(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	if err := s.Trigger("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
}

func TestDailySpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "06:00", want: "0 6 * * *"},
		{in: "23:59", want: "59 23 * * *"},
		{in: " 7:05 ", want: "5 7 * * *"},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "-1:10", wantErr: true},
		{in: "noon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := DailySpec(tt.in)
		if tt.wantErr {
			var inv *InvalidScheduleError
			if !errors.As(err, &inv) {
				t.Fatalf("DailySpec(%q) err = %v, want InvalidScheduleError", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("DailySpec(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestExprDue(t *testing.T) {
	t.Parallel()
	e, err := ParseExpr("30 8 * * *", "UTC", nil)
	if err != nil {
		t.Fatalf("ParseExpr: %v", err)
	}
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	if e.Due(base, base.Add(29*time.Minute)) {
		t.Fatal("due before 08:30")
	}
	if !e.Due(base, base.Add(30*time.Minute)) {
		t.Fatal("not due at 08:30")
	}
}
