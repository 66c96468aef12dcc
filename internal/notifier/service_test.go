package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postflow/internal/eventbus"
	logx "postflow/pkg/logx"
)

type recordSink struct {
	mu    sync.Mutex
	got   []Alert
	fails int
}

func (*recordSink) Name() string { return "record" }

func (r *recordSink) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("sink down")
	}
	r.got = append(r.got, a)
	return nil
}

func (r *recordSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	d.m[key] = until
	d.mu.Unlock()
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

func startService(t *testing.T, cfg Config, sink Sink, bus eventbus.Bus, st DedupStore) *Service {
	t.Helper()
	s := New(cfg, sink, logx.Nop(), bus, st)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
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

func TestNotifyDeliversAndDedups(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	bus := eventbus.New()
	deduped, unsub := bus.Subscribe(8, eventbus.AlertDeduped)
	defer unsub()
	s := startService(t, Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Hour}, sink, bus, nil)

	a := Alert{Kind: "budget", Severity: SeverityWarning, Title: "Budget at 80%", DedupKey: "budget:b1:warning"}
	if err := s.Notify(context.Background(), a); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := s.Notify(context.Background(), a); err != nil {
		t.Fatalf("duplicate notify: %v", err)
	}
	waitFor(t, "delivery", func() bool { return sink.count() == 1 })

	select {
	case <-deduped:
	case <-time.After(time.Second):
		t.Fatalf("no dedup event")
	}
	got := sink.got[0]
	if got.ID == "" || got.At.IsZero() {
		t.Fatalf("alert not stamped: %+v", got)
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].Kind != "budget" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyRetriesFailedSend(t *testing.T) {
	t.Parallel()
	sink := &recordSink{fails: 2}
	s := startService(t, Config{Enabled: true, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, sink, nil, nil)
	if err := s.Notify(context.Background(), Alert{Kind: "abtest", Title: "done"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, "retried delivery", func() bool { return sink.count() == 1 })
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	st := &memDedup{m: map[string]time.Time{"k": time.Now().Add(time.Hour)}}
	sink := &recordSink{}
	s := startService(t, Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute, PersistDedup: true}, sink, nil, st)
	_ = s.Notify(context.Background(), Alert{Title: "x", DedupKey: "k"})
	_ = s.Notify(context.Background(), Alert{Title: "y", DedupKey: "other"})
	waitFor(t, "delivery", func() bool { return sink.count() == 1 })
	if sink.got[0].Title != "y" {
		t.Fatalf("persisted key was not suppressed")
	}
	waitFor(t, "persisted write", func() bool {
		_, ok, _ := st.GetDedup(context.Background(), "other")
		return ok
	})
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{}, &recordSink{}, logx.Nop(), nil, nil)
	off.Start(context.Background())
	if err := off.Notify(context.Background(), Alert{Title: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}

	s := New(Config{Enabled: true}, &recordSink{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), Alert{Title: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
}

func TestFormatAndFanout(t *testing.T) {
	t.Parallel()
	text := Format(Alert{Severity: SeverityCritical, Title: "Budget exceeded", Text: "spend over limit", Fields: map[string]string{"spent": "120", "limit": "100"}})
	want := "🚨 Budget exceeded\nspend over limit\nlimit: 100\nspent: 120"
	if text != want {
		t.Fatalf("Format = %q, want %q", text, want)
	}

	ok, bad := &recordSink{}, &recordSink{fails: 1}
	f := Fanout(ok, LogSink{Log: logx.Nop()}, bad)
	err := f.Send(context.Background(), Alert{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "record: sink down") {
		t.Fatalf("fanout err = %v", err)
	}
	if ok.count() != 1 || f.Name() != "record+log+record" {
		t.Fatalf("fanout delivered %d, name %q", ok.count(), f.Name())
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > time.Second {
			t.Fatalf("attempt %d delay %s out of bounds", attempt, d)
		}
	}
}

func TestTelegramSinkValidatesConfig(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegramSink(TelegramConfig{ChatID: 1}); err == nil {
		t.Fatalf("expected missing token error")
	}
	if _, err := NewTelegramSink(TelegramConfig{Token: "t"}); err == nil {
		t.Fatalf("expected missing chat id error")
	}
}
