package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"postflow/internal/eventbus"
	"postflow/internal/jobs"
	"postflow/internal/post"
	"postflow/internal/storage"
	"postflow/internal/task/scheduler"
	logx "postflow/pkg/logx"
)

type fakeJobs struct {
	err  error
	last string
}

func (f *fakeJobs) Status() []scheduler.JobStatus {
	return []scheduler.JobStatus{{Name: jobs.NamePosting, Schedule: "*/5 * * * *", State: scheduler.JobIdle}}
}
func (f *fakeJobs) Start(name string) error { f.last = name; return f.err }
func (f *fakeJobs) Stop(name string) error { f.last = name; return f.err }
func (f *fakeJobs) Trigger(name string) error {
	f.last = name
	return f.err
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterRequiresToken(t *testing.T) {
	t.Parallel()
	h := NewRouter(Config{Token: "s3cret"}, Deps{Jobs: &fakeJobs{}, Metrics: NewMetrics()})

	tests := []struct {
		name   string
		target string
		hdr    []string
		want   int
	}{
		{"healthz is open", "/healthz", nil, http.StatusOK},
		{"status without token", "/status", nil, http.StatusUnauthorized},
		{"bearer", "/status", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"query token", "/metrics?token=s3cret", nil, http.StatusOK},
		{"wrong token", "/metrics?token=nope", nil, http.StatusUnauthorized},
		{"pprof off", "/debug/pprof/?token=s3cret", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodGet, tt.target, "", tt.hdr...); rec.Code != tt.want {
				t.Fatalf("%s = %d, want %d", tt.target, rec.Code, tt.want)
			}
		})
	}
}

func TestTriggerStatusCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"already running", &scheduler.AlreadyRunningError{Name: jobs.NamePosting}, http.StatusConflict},
		{"not started", fmt.Errorf("x: %w", jobs.ErrNotStarted), http.StatusConflict},
		{"unknown", fmt.Errorf("x: %w", scheduler.ErrUnknownJob), http.StatusNotFound},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fj := &fakeJobs{err: tt.err}
			h := NewRouter(Config{}, Deps{Jobs: fj})
			rec := do(t, h, http.MethodPost, "/jobs/"+jobs.NamePosting+"/trigger", "")
			if rec.Code != tt.want {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if fj.last != jobs.NamePosting {
				t.Fatalf("triggered %q", fj.last)
			}
			if rec.Code == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "disk") {
				t.Fatalf("internal error leaked: %s", rec.Body.String())
			}
		})
	}
}

func TestPostAdminRoutes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	svc := post.NewService(st.Posts(), st.Audit(), logx.Nop(), eventbus.New(), post.WithClock(fc))
	p, err := svc.Create(ctx, post.Draft{Caption: "c", VideoPath: "/v.mp4", Platforms: post.NewPlatformSet(post.TikTok)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h := NewRouter(Config{}, Deps{Posts: svc, Audit: st.Audit(), Now: fc.Now})
	base := "/posts/" + p.ID

	steps := []struct {
		method, target, body string
		want                 int
		status               post.Status
	}{
		{http.MethodPost, base + "/schedule", "", http.StatusBadRequest, ""},
		{http.MethodPost, base + "/approve", "", http.StatusOK, post.StatusApproved},
		{http.MethodPost, base + "/schedule", `{"at":"bad"}`, http.StatusBadRequest, ""},
		{http.MethodPost, base + "/schedule", `{"at":"2026-05-04T10:00:00Z"}`, http.StatusOK, post.StatusScheduled},
		{http.MethodPost, base + "/requeue", "", http.StatusConflict, ""},
		{http.MethodPost, base + "/reject", `{"reason":"off brand","extra":1}`, http.StatusBadRequest, ""},
		{http.MethodPost, base + "/reject", `{"reason":"off brand"}`, http.StatusOK, post.StatusRejected},
		{http.MethodPost, "/posts/missing/approve", "", http.StatusNotFound, ""},
	}
	for i, s := range steps {
		rec := do(t, h, s.method, s.target, s.body)
		if rec.Code != s.want {
			t.Fatalf("step %d %s = %d, want %d (%s)", i, s.target, rec.Code, s.want, rec.Body.String())
		}
		if s.status == "" {
			continue
		}
		var got struct {
			Status post.Status `json:"status"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got.Status != s.status {
			t.Fatalf("step %d status = %q (%v), want %q", i, got.Status, err, s.status)
		}
	}

	rec := do(t, h, http.MethodGet, base+"/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	var view struct {
		Audit []post.AuditEntry `json:"audit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var actions []string
	for _, e := range view.Audit {
		actions = append(actions, e.Action)
	}
	if got := strings.Join(actions, ","); got != "create,approve,schedule,reject" {
		t.Fatalf("audit = %s", got)
	}
}

func TestMetricsMirrorBusEvents(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	now := time.Now()
	for _, ev := range []eventbus.Event{
		{Type: eventbus.JobFinished, Data: scheduler.JobEvent{Name: "scheduled-posting", Duration: 2 * time.Second}},
		{Type: eventbus.JobSkipped, Data: scheduler.JobEvent{Name: "scheduled-posting"}},
		{Type: eventbus.PostResolved, Data: post.Event{Status: post.StatusPartialPosted, At: now}},
		{Type: eventbus.PlatformAttempt, Data: post.Event{Platform: "tiktok", Detail: "failed: boom"}},
		{Type: eventbus.PlatformAttempt, Data: post.Event{Platform: "instagram", Detail: "posted"}},
		{Type: eventbus.PostRequeued, Data: post.Event{Action: "auto_requeue"}},
		{Type: eventbus.AlertSent},
		{Type: "something.else"},
	} {
		m.Observe(ev)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	body := rec.Body.String()
	for _, want := range []string{
		`postflow_job_runs_total{job="scheduled-posting",outcome="finished"} 1`,
		`postflow_job_runs_total{job="scheduled-posting",outcome="skipped"} 1`,
		`postflow_job_duration_seconds_count{job="scheduled-posting"} 1`,
		`postflow_posts_resolved_total{status="partial_posted"} 1`,
		`postflow_platform_attempts_total{platform="tiktok",result="failed"} 1`,
		`postflow_platform_attempts_total{platform="instagram",result="posted"} 1`,
		`postflow_posts_requeued_total{source="auto_requeue"} 1`,
		`postflow_alerts_total{state="sent"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestServiceReconfigure(t *testing.T) {
	s := New(Config{}, Deps{Metrics: NewMetrics()}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true, MutexProfileFraction: -1, BlockProfileRate: -1})
	addr := waitAddr(t, s, true)

	for _, path := range []string{"/healthz", "/debug/pprof/"} {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d", path, resp.StatusCode)
		}
	}

	s.Reconfigure(ctx, Config{Enabled: false, MutexProfileFraction: -1, BlockProfileRate: -1})
	waitAddr(t, s, false)
}

func waitAddr(t *testing.T, s *Service, up bool) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); (a != "") == up {
			return a
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server up=%v not reached", up)
	return ""
}

func TestLoopbackAndRestartRules(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.5:9464":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
	base := Config{Enabled: true, Addr: "127.0.0.1:1"}
	if needsRestart(base, base) {
		t.Fatalf("identical config needs restart")
	}
	changed := base
	changed.Pprof = true
	if !needsRestart(base, changed) {
		t.Fatalf("pprof toggle should restart")
	}
}

func TestDecodeBodyUnknownLength(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body io.Reader
		want bool
	}{
		{"no body", http.NoBody, true},
		{"empty stream", io.MultiReader(), true},
		{"object", io.MultiReader(strings.NewReader(`{"at":"2026-05-04T10:00:00Z"}`)), true},
		{"garbage", io.MultiReader(strings.NewReader(`{`)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/posts/x/requeue", tt.body)
			req.ContentLength = -1
			var v struct {
				At string `json:"at"`
			}
			rec := httptest.NewRecorder()
			if got := decodeBody(rec, req, &v); got != tt.want {
				t.Fatalf("decodeBody = %v, want %v (%d)", got, tt.want, rec.Code)
			}
		})
	}
}
