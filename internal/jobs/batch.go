package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"postflow/internal/caption"
	"postflow/internal/post"
	"postflow/internal/story"
	"postflow/internal/task/scheduler"
	logx "postflow/pkg/logx"
)

const NameBatchGeneration = "batch-generation"

// BatchConfig configures batch generation.
type BatchConfig struct {
	Time      string // HH:MM the job fires, in Timezone
	Timezone  string
	BatchSize int
	DaysAhead int
	PostTimes []string // HH:MM slots offered to generated posts
	Platforms post.PlatformSet
	Filters   story.Filters
}

type BatchDeps struct {
	Stories  story.Repository
	Posts    post.Repository
	Service  *post.Service
	Composer *caption.Composer
	Clock    clockwork.Clock
	Log      logx.Logger
}

// BatchJob turns eligible stories into Ready posts with suggested slots.
type BatchJob struct {
	cfg   BatchConfig
	spec  string
	loc   *time.Location
	times [][2]int
	deps  BatchDeps
	log   logx.Logger
}

// NewBatchJob validates cfg. An out-of-range HH:MM fails with
// *scheduler.InvalidScheduleError.
func NewBatchJob(cfg BatchConfig, deps BatchDeps) (*BatchJob, error) {
	spec, err := scheduler.DailySpec(cfg.Time)
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, &scheduler.InvalidScheduleError{Spec: tz, Err: err}
		}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.DaysAhead <= 0 {
		cfg.DaysAhead = 1
	}
	if cfg.Platforms.Empty() {
		return nil, post.ErrNoPlatforms
	}
	if len(cfg.PostTimes) == 0 {
		cfg.PostTimes = []string{cfg.Time}
	}
	times := make([][2]int, 0, len(cfg.PostTimes))
	for _, pt := range cfg.PostTimes {
		h, m, err := scheduler.ParseHHMM(pt)
		if err != nil {
			return nil, err
		}
		times = append(times, [2]int{h, m})
	}
	slices.SortFunc(times, func(a, b [2]int) int { return (a[0]*60 + a[1]) - (b[0]*60 + b[1]) })
	times = slices.Compact(times)

	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &BatchJob{
		cfg:   cfg,
		spec:  spec,
		loc:   loc,
		times: times,
		deps:  deps,
		log:   deps.Log.With(logx.String("job", NameBatchGeneration)),
	}, nil
}

// Spec is the cron expression derived from the HH:MM setting.
func (j *BatchJob) Spec() string { return j.spec }

// Timezone is the zone the cron expression and the slots are evaluated in.
func (j *BatchJob) Timezone() string { return j.loc.String() }

func (j *BatchJob) Execute(ctx context.Context) (scheduler.Result, error) {
	now := j.deps.Clock.Now()
	slots, err := j.freeSlots(ctx, now)
	if err != nil {
		return scheduler.Result{}, err
	}
	counts := map[string]int{"created": 0, "skipped_existing": 0, "failed": 0}
	limit := min(j.cfg.BatchSize, len(slots))
	if limit == 0 {
		return scheduler.Result{Message: "no free slots", Counts: counts}, nil
	}

	stories, err := SelectContent(ctx, j.deps.Stories, j.cfg.Filters)
	if err != nil {
		return scheduler.Result{}, err
	}

	var errs []error
	for _, st := range stories {
		if counts["created"] >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return scheduler.Result{Counts: counts}, err
		}
		has, err := j.deps.Posts.HasPostForStory(ctx, st.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("story %s: %w", st.ID, err))
			counts["failed"]++
			continue
		}
		if has {
			counts["skipped_existing"]++
			continue
		}
		slot := slots[counts["created"]]
		if err := j.generate(ctx, st, slot); err != nil {
			j.log.Warn("post generation failed", logx.String("story", st.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("story %s: %w", st.ID, err))
			counts["failed"]++
			continue
		}
		counts["created"]++
	}

	res := scheduler.Result{Message: fmt.Sprintf("created %d posts", counts["created"]), Counts: counts}
	if counts["created"] == 0 && len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	return res, nil
}

func (j *BatchJob) generate(ctx context.Context, st story.Story, slot time.Time) error {
	text, tags, err := j.deps.Composer.Compose(st)
	if err != nil {
		return err
	}
	p, err := j.deps.Service.Create(ctx, post.Draft{
		StoryID:   st.ID,
		Caption:   text,
		Hashtags:  tags,
		VideoPath: st.VideoPath,
		ImagePath: st.ImagePath,
		Platforms: j.cfg.Platforms,
	})
	if err != nil {
		return err
	}
	if _, err := j.deps.Service.MarkReady(ctx, p.ID); err != nil {
		return err
	}
	if _, err := j.deps.Service.Reschedule(ctx, p.ID, slot); err != nil {
		return err
	}
	j.log.Debug("post generated", logx.String("post", p.ID), logx.String("story", st.ID), logx.Time("slot", slot))
	return nil
}

// freeSlots lists slot times in (now, now+DaysAhead days] that no pending
// post already holds, earliest first.
func (j *BatchJob) freeSlots(ctx context.Context, now time.Time) ([]time.Time, error) {
	pending, err := j.deps.Posts.FindByStatus(ctx, post.StatusDraft, post.StatusReady, post.StatusApproved, post.StatusScheduled)
	if err != nil {
		return nil, fmt.Errorf("load pending posts: %w", err)
	}
	taken := make(map[int64]struct{}, len(pending))
	for _, p := range pending {
		if !p.ScheduledAt.IsZero() {
			taken[p.ScheduledAt.Unix()] = struct{}{}
		}
	}

	local := now.In(j.loc)
	horizon := local.AddDate(0, 0, j.cfg.DaysAhead)
	var out []time.Time
	for d := 0; d <= j.cfg.DaysAhead; d++ {
		day := local.AddDate(0, 0, d)
		for _, hm := range j.times {
			slot := time.Date(day.Year(), day.Month(), day.Day(), hm[0], hm[1], 0, 0, j.loc)
			if !slot.After(now) || slot.After(horizon) {
				continue
			}
			if _, ok := taken[slot.Unix()]; ok {
				continue
			}
			out = append(out, slot)
		}
	}
	return out, nil
}
