package jobs_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"postflow/internal/campaign"
	"postflow/internal/caption"
	"postflow/internal/jobs"
	"postflow/internal/notifier"
	"postflow/internal/post"
	"postflow/internal/story"
	"postflow/internal/storage"
	"postflow/internal/task/engine"
	"postflow/internal/task/scheduler"
	logx "postflow/pkg/logx"
)

func seedStories(t *testing.T, st storage.Store) {
	t.Helper()
	ctx := context.Background()
	for _, s := range []story.Story{
		{ID: "s1", Title: "Newest mild", Category: "drama", Status: "published", Spiciness: story.Mild, VideoPath: "/v/s1.mp4", CreatedAt: t0.Add(-time.Hour)},
		{ID: "s2", Title: "Older mild", Category: "drama", Status: "published", Spiciness: story.Mild, VideoPath: "/v/s2.mp4", CreatedAt: t0.Add(-48 * time.Hour)},
		{ID: "s3", Title: "Medium", Category: "comedy", Status: "published", Spiciness: story.Medium, VideoPath: "/v/s3.mp4", CreatedAt: t0},
		{ID: "s4", Title: "Spicy", Category: "drama", Status: "published", Spiciness: story.Spicy, CreatedAt: t0},
		{ID: "s5", Title: "Draft story", Category: "drama", Status: "draft", Spiciness: story.Mild, CreatedAt: t0},
	} {
		if err := st.Stories().Put(ctx, s); err != nil {
			t.Fatalf("put %s: %v", s.ID, err)
		}
	}
	if err := st.Stories().Blacklist(ctx, "s4", "complaint"); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
}

func storyIDs(stories []story.Story) []string {
	out := make([]string, 0, len(stories))
	for _, s := range stories {
		out = append(out, s.ID)
	}
	return out
}

func TestSelectContentOrdersAndExcludes(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seedStories(t, st)

	tests := []struct {
		name string
		f    story.Filters
		want []string
	}{
		{"published", story.Filters{Status: []string{"Published"}}, []string{"s1", "s2", "s3"}},
		{"category", story.Filters{Status: []string{"published"}, Categories: []string{"comedy"}}, []string{"s3"}},
		{"max mild", story.Filters{MaxSpiciness: story.Mild}, []string{"s5", "s1", "s2"}},
		{"limit", story.Filters{Status: []string{"published"}, Limit: 1}, []string{"s1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := jobs.SelectContent(context.Background(), st.Stories(), tt.f)
			if err != nil {
				t.Fatalf("SelectContent: %v", err)
			}
			if ids := storyIDs(got); !slices.Equal(ids, tt.want) {
				t.Fatalf("got %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestSelectionJobGroupsTiers(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seedStories(t, st)
	job := jobs.NewSelectionJob(st.Stories(), story.Filters{Status: []string{"published"}}, clockwork.NewFakeClockAt(t0), logx.Nop())
	res, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Counts["total"] != 3 || res.Counts["mild"] != 2 || res.Counts["medium"] != 1 {
		t.Fatalf("counts = %v", res.Counts)
	}
	sel := job.Latest()
	if !slices.Equal(sel.Tiers["mild"], []string{"s1", "s2"}) || sel.Total != 3 || !sel.At.Equal(t0) {
		t.Fatalf("selection = %+v", sel)
	}
}

func newBatchJob(t *testing.T, st storage.Store, cfg jobs.BatchConfig) *jobs.BatchJob {
	t.Helper()
	fc := clockwork.NewFakeClockAt(t0)
	comp, err := caption.New("", []string{"story"}, 5)
	if err != nil {
		t.Fatalf("composer: %v", err)
	}
	job, err := jobs.NewBatchJob(cfg, jobs.BatchDeps{
		Stories:  st.Stories(),
		Posts:    st.Posts(),
		Service:  post.NewService(st.Posts(), st.Audit(), logx.Nop(), nil, post.WithClock(fc)),
		Composer: comp,
		Clock:    fc,
		Log:      logx.Nop(),
	})
	if err != nil {
		t.Fatalf("NewBatchJob: %v", err)
	}
	return job
}

func TestBatchGenerationFillsFreeSlots(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seedStories(t, st)
	existing, _ := post.New(post.Draft{StoryID: "s2", Caption: "old", Platforms: post.NewPlatformSet(post.TikTok)}, t0)
	if err := st.Posts().Create(context.Background(), existing); err != nil {
		t.Fatalf("create: %v", err)
	}

	job := newBatchJob(t, st, jobs.BatchConfig{
		Time:      "07:00",
		Timezone:  "UTC",
		BatchSize: 5,
		DaysAhead: 1,
		PostTimes: []string{"18:00", "10:00"},
		Platforms: post.NewPlatformSet(post.TikTok, post.Instagram),
		Filters:   story.Filters{Status: []string{"published"}},
	})
	if job.Spec() != "0 7 * * *" || job.Timezone() != "UTC" {
		t.Fatalf("spec = %q tz = %q", job.Spec(), job.Timezone())
	}

	res, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Slots after 09:00 within a day: 10:00 and 18:00 today.
	if res.Counts["created"] != 2 || res.Counts["skipped_existing"] != 1 {
		t.Fatalf("counts = %v", res.Counts)
	}

	ready, err := st.Posts().FindByStatus(context.Background(), post.StatusReady)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("ready posts = %d", len(ready))
	}
	want := map[string]time.Time{
		"s1": time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		"s3": time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC),
	}
	for _, p := range ready {
		if at, ok := want[p.StoryID]; !ok || !p.ScheduledAt.Equal(at) {
			t.Fatalf("post for %s at %s", p.StoryID, p.ScheduledAt)
		}
		if p.Caption == "" || len(p.Hashtags) == 0 || p.Platforms.Len() != 2 {
			t.Fatalf("post content = %+v", p)
		}
	}

	res, err = job.Execute(context.Background())
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if res.Counts["created"] != 0 {
		t.Fatalf("second run created %d posts", res.Counts["created"])
	}
}

func TestBatchGenerationRejectsInvalidTimes(t *testing.T) {
	t.Parallel()
	deps := jobs.BatchDeps{Log: logx.Nop()}
	tests := []struct {
		name string
		cfg  jobs.BatchConfig
	}{
		{"hour", jobs.BatchConfig{Time: "24:00"}},
		{"minute", jobs.BatchConfig{Time: "07:60"}},
		{"post time", jobs.BatchConfig{Time: "07:00", PostTimes: []string{"9:99"}}},
		{"timezone", jobs.BatchConfig{Time: "07:00", Timezone: "Mars/Base"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Platforms = post.NewPlatformSet(post.TikTok)
			_, err := jobs.NewBatchJob(tt.cfg, deps)
			var ise *scheduler.InvalidScheduleError
			if !errors.As(err, &ise) {
				t.Fatalf("err = %v, want *InvalidScheduleError", err)
			}
		})
	}
	if _, err := jobs.NewBatchJob(jobs.BatchConfig{Time: "07:00"}, deps); !errors.Is(err, post.ErrNoPlatforms) {
		t.Fatalf("no platforms err = %v", err)
	}
}

type recordAlerts struct {
	mu  sync.Mutex
	got []notifier.Alert
}

func (r *recordAlerts) Notify(_ context.Context, a notifier.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return nil
}

func (r *recordAlerts) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, a := range r.got {
		out = append(out, a.DedupKey)
	}
	slices.Sort(out)
	return out
}

func TestBudgetMonitorAlertsOncePerLevel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	start := t0.Add(-24 * time.Hour)
	for _, b := range []campaign.Budget{
		{ID: "b1", Name: "Spring", Limit: 100, Spent: 85, PeriodStart: start},
		{ID: "b2", Limit: 100, Spent: 110, PeriodStart: start, PeriodEnd: t0.Add(time.Hour)},
		{ID: "b3", Limit: 100, Spent: 10, PeriodStart: start},
		{ID: "b4", Limit: 100, Spent: 500, PeriodStart: start, PeriodEnd: t0.Add(-time.Hour)},
	} {
		if err := st.Campaigns().SaveBudget(ctx, b); err != nil {
			t.Fatalf("save budget: %v", err)
		}
	}
	alerts := &recordAlerts{}
	mon := jobs.NewBudgetMonitor(st.Campaigns(), campaign.Thresholds{Warn: 0.8, Critical: 1.0}, alerts, clockwork.NewFakeClockAt(t0), logx.Nop())

	res, err := mon.Execute(ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Counts["checked"] != 3 || res.Counts["warning"] != 1 || res.Counts["critical"] != 1 {
		t.Fatalf("counts = %v", res.Counts)
	}
	if got := alerts.keys(); !slices.Equal(got, []string{"budget:b1:warning", "budget:b2:critical"}) {
		t.Fatalf("alerts = %v", got)
	}

	if _, err := mon.Execute(ctx); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if n := len(alerts.keys()); n != 2 {
		t.Fatalf("repeat run alerted again: %d alerts", n)
	}

	// Escalation from warning to critical alerts once more.
	if err := st.Campaigns().SaveBudget(ctx, campaign.Budget{ID: "b1", Name: "Spring", Limit: 100, Spent: 101, PeriodStart: start, LastAlertLevel: campaign.LevelWarning}); err != nil {
		t.Fatalf("save budget: %v", err)
	}
	if _, err := mon.Execute(ctx); err != nil {
		t.Fatalf("third execute: %v", err)
	}
	if got := alerts.keys(); !slices.Contains(got, "budget:b1:critical") || len(got) != 3 {
		t.Fatalf("alerts = %v", got)
	}
}

func TestABTestMonitorCompletesFinishedTests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	for _, tt := range []campaign.ABTest{
		{ID: "ended", Status: campaign.TestRunning, A: campaign.Variant{Name: "short", Impressions: 100, Conversions: 9}, B: campaign.Variant{Name: "long", Impressions: 100, Conversions: 4}, StartedAt: t0.Add(-72 * time.Hour), EndsAt: t0.Add(-time.Hour)},
		{ID: "sampled", Status: campaign.TestRunning, A: campaign.Variant{Name: "a", Impressions: 1000, Conversions: 10}, B: campaign.Variant{Name: "b", Impressions: 1000, Conversions: 10}, StartedAt: t0.Add(-time.Hour)},
		{ID: "young", Status: campaign.TestRunning, A: campaign.Variant{Name: "a", Impressions: 5}, B: campaign.Variant{Name: "b", Impressions: 5}, StartedAt: t0.Add(-time.Hour)},
		{ID: "unnamed", Status: campaign.TestRunning, A: campaign.Variant{Impressions: 600, Conversions: 30}, B: campaign.Variant{Impressions: 600, Conversions: 12}, StartedAt: t0.Add(-time.Hour)},
	} {
		if err := st.Campaigns().SaveABTest(ctx, tt); err != nil {
			t.Fatalf("save test: %v", err)
		}
	}
	alerts := &recordAlerts{}
	mon := jobs.NewABTestMonitor(st.Campaigns(), 500, alerts, clockwork.NewFakeClockAt(t0), logx.Nop())
	res, err := mon.Execute(ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Counts["completed"] != 3 || res.Counts["running"] != 4 {
		t.Fatalf("counts = %v", res.Counts)
	}
	running, err := st.Campaigns().RunningABTests(ctx)
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if len(running) != 1 || running[0].ID != "young" {
		t.Fatalf("still running = %+v", running)
	}
	titles := map[string]string{}
	for _, a := range alerts.got {
		titles[a.DedupKey] = a.Title
		if a.DedupKey == "abtest:unnamed" && (a.Fields["A"] != "5.00% (30/600)" || a.Fields["B"] != "2.00% (12/600)") {
			t.Fatalf("unnamed variants collapsed: %v", a.Fields)
		}
	}
	if got := titles["abtest:unnamed"]; got != "A/B test unnamed: A wins" {
		t.Fatalf("no alert for unnamed test: %v", titles)
	}
	if titles["abtest:ended"] != "A/B test ended: short wins" || titles["abtest:sampled"] != "A/B test sampled is inconclusive" {
		t.Fatalf("alert titles = %v", titles)
	}
}

type gatedHandler struct {
	started chan struct{}
	release chan struct{}
}

func (h *gatedHandler) Execute(ctx context.Context) (scheduler.Result, error) {
	h.started <- struct{}{}
	select {
	case <-h.release:
	case <-ctx.Done():
	}
	return scheduler.Result{Message: "done"}, nil
}

func TestControlLifecycle(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClockAt(t0)
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil, engine.WithClock(fc))
	eng.Start(context.Background())
	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, eng, logx.Nop(), nil, scheduler.WithClock(fc))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sched.Stop(ctx)
		eng.Stop(ctx)
	})

	h := &gatedHandler{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := jobs.NewControl(sched, jobs.NamePosting, "*/5 * * * *", h, scheduler.Options{})

	if err := c.Trigger(); !errors.Is(err, jobs.ErrNotStarted) {
		t.Fatalf("trigger before start = %v", err)
	}
	if st, err := c.Status(); err != nil || st.State != scheduler.JobIdle || st.Schedule != "*/5 * * * *" {
		t.Fatalf("stopped status = %+v, %v", st, err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := c.Trigger(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	select {
	case <-h.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not start")
	}
	if err := c.Trigger(); !scheduler.IsAlreadyRunning(err) {
		t.Fatalf("overlapping trigger = %v", err)
	}
	if st, err := c.Status(); err != nil || st.State != scheduler.JobRunning {
		t.Fatalf("running status = %+v, %v", st, err)
	}
	close(h.release)

	c.Stop()
	c.Stop()
	if c.Started() {
		t.Fatalf("still started after stop")
	}
	if _, err := sched.Status(jobs.NamePosting); !errors.Is(err, scheduler.ErrUnknownJob) {
		t.Fatalf("job still registered: %v", err)
	}

	bad := jobs.NewControl(sched, "bad", "not a cron", h, scheduler.Options{})
	var ise *scheduler.InvalidScheduleError
	if err := bad.Start(); !errors.As(err, &ise) || bad.Started() {
		t.Fatalf("invalid schedule start = %v", err)
	}
}

func TestSetRoutesByNameAndReschedules(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClockAt(t0)
	eng := engine.New(engine.Config{Workers: 1}, logx.Nop(), nil, engine.WithClock(fc))
	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, eng, logx.Nop(), nil, scheduler.WithClock(fc))
	noop := scheduler.HandlerFunc(func(context.Context) (scheduler.Result, error) { return scheduler.Result{}, nil })

	set := jobs.NewSet(
		jobs.NewControl(sched, jobs.NamePosting, "*/5 * * * *", noop, scheduler.Options{}),
		jobs.NewControl(sched, jobs.NameBudgetMonitor, "*/15 * * * *", noop, scheduler.Options{}),
	)
	if err := set.Trigger("nope"); !errors.Is(err, scheduler.ErrUnknownJob) {
		t.Fatalf("unknown trigger = %v", err)
	}
	if err := set.Start(jobs.NamePosting); err != nil {
		t.Fatalf("start: %v", err)
	}

	c, _ := set.Get(jobs.NamePosting)
	var ise *scheduler.InvalidScheduleError
	if err := c.Reschedule("61 * * * *", nil, scheduler.Options{}); !errors.As(err, &ise) {
		t.Fatalf("invalid reschedule = %v", err)
	}
	if err := c.Reschedule("*/10 * * * *", nil, scheduler.Options{}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	got := map[string]scheduler.JobStatus{}
	for _, st := range set.Status() {
		got[st.Name] = st
	}
	if got[jobs.NamePosting].Schedule != "*/10 * * * *" {
		t.Fatalf("posting schedule = %q", got[jobs.NamePosting].Schedule)
	}
	if st := got[jobs.NameBudgetMonitor]; st.Schedule != "*/15 * * * *" || st.State != scheduler.JobIdle {
		t.Fatalf("stopped job status = %+v", st)
	}

	set.StopAll()
	if _, err := sched.Status(jobs.NamePosting); !errors.Is(err, scheduler.ErrUnknownJob) {
		t.Fatalf("posting still registered: %v", err)
	}
}
