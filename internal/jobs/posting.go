package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"postflow/internal/eventbus"
	"postflow/internal/post"
	"postflow/internal/publisher"
	"postflow/internal/task/scheduler"
	logx "postflow/pkg/logx"
)

const NamePosting = "scheduled-posting"

// Error kinds recorded by the posting job itself.
const (
	kindInternal    = "internal"
	kindInterrupted = "interrupted"
)

// PostingConfig configures the posting job. It may be swapped at runtime.
type PostingConfig struct {
	Concurrency    int           // posts processed in parallel (default 4)
	AttemptTimeout time.Duration // outer bound for one platform attempt (default 2m)
	AutoRetryMax   int           // 0 disables automatic requeue
	AutoRetryDelay time.Duration // delay before a requeued post is due again
}

func (c PostingConfig) withDefaults() PostingConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Minute
	}
	if c.AutoRetryMax < 0 {
		c.AutoRetryMax = 0
	}
	if c.AutoRetryDelay <= 0 {
		c.AutoRetryDelay = 15 * time.Minute
	}
	return c
}

// Publishers resolves the adapter for a platform.
type Publishers interface {
	Get(pl post.Platform) publisher.Publisher
}

type PostingDeps struct {
	Posts      post.Repository
	Audit      post.AuditLog
	Publishers Publishers
	Clock      clockwork.Clock
	Log        logx.Logger
	Bus        eventbus.Bus
}

// PostingJob publishes due posts. Each post is claimed (persisted as
// Posting) before any slow work, its pending platforms are attempted
// concurrently, and the aggregate status is saved once every attempt has
// settled.
type PostingJob struct {
	deps PostingDeps
	log  logx.Logger

	mu  sync.RWMutex
	cfg PostingConfig
}

func NewPostingJob(cfg PostingConfig, deps PostingDeps) *PostingJob {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &PostingJob{deps: deps, cfg: cfg.withDefaults(), log: deps.Log.With(logx.String("job", NamePosting))}
}

// Apply swaps the config; runs already in progress keep their snapshot.
func (j *PostingJob) Apply(cfg PostingConfig) {
	j.mu.Lock()
	j.cfg = cfg.withDefaults()
	j.mu.Unlock()
}

func (j *PostingJob) config() PostingConfig {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cfg
}

type postOutcome struct {
	status   post.Status
	skipped  bool // no longer scheduled, or lost the claim to a concurrent writer
	requeued bool
	err      error
}

// Execute processes every post that is due now. Per-post failures are
// recorded against that post and never fail the run; only loading the due
// set does.
func (j *PostingJob) Execute(ctx context.Context) (scheduler.Result, error) {
	cfg := j.config()
	now := j.deps.Clock.Now()
	due, err := j.deps.Posts.FindDueForPosting(ctx, now)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("load due posts: %w", err)
	}

	outcomes := make([]postOutcome, len(due))
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, p := range due {
		g.Go(func() error {
			outcomes[i] = j.processSafe(ctx, cfg, p)
			return nil
		})
	}
	_ = g.Wait()

	counts := map[string]int{"due": len(due)}
	for _, o := range outcomes {
		switch {
		case o.err != nil:
			counts["errors"]++
		case o.skipped:
			counts["skipped"]++
		default:
			counts[string(o.status)]++
		}
		if o.requeued {
			counts["requeued"]++
		}
	}
	return scheduler.Result{Message: fmt.Sprintf("processed %d due posts", len(due)), Counts: counts}, nil
}

// processSafe isolates a post: a panic is recorded against the post and
// does not affect the rest of the batch.
func (j *PostingJob) processSafe(ctx context.Context, cfg PostingConfig, p *post.ContentPost) (out postOutcome) {
	var claimed *post.ContentPost
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			j.log.Error("post processing panicked", logx.String("post", p.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			if claimed != nil {
				j.settleInterrupted(ctx, claimed, kindInternal, err)
			}
			out = postOutcome{err: err}
		}
	}()
	return j.process(ctx, cfg, p, &claimed)
}

func (j *PostingJob) process(ctx context.Context, cfg PostingConfig, p *post.ContentPost, claimed **post.ContentPost) postOutcome {
	log := j.log.With(logx.String("post", p.ID))
	now := j.deps.Clock.Now()
	from := p.Status
	if err := p.Claim(now); err != nil {
		return postOutcome{skipped: true}
	}
	missing := p.MediaPath() == ""
	var attempts []post.Platform
	if !missing {
		for _, pl := range p.PendingPlatforms() {
			if p.BeginAttempt(pl) {
				attempts = append(attempts, pl)
			}
		}
	}
	if err := j.deps.Posts.Save(ctx, p); err != nil {
		if errors.Is(err, post.ErrConflict) {
			log.Debug("post claimed concurrently, skipping")
			return postOutcome{skipped: true}
		}
		log.Warn("claim failed", logx.Err(err))
		return postOutcome{err: err}
	}
	*claimed = p
	j.audit(ctx, post.AuditEntry{PostID: p.ID, Action: "claim", From: from, To: p.Status, At: now})
	j.publish(eventbus.PostPosting, post.Event{PostID: p.ID, Action: "claim", Status: p.Status, At: now})

	if missing {
		err := &post.MissingMediaError{PostID: p.ID}
		log.Warn("post has no media", logx.Err(err))
		_ = p.FailMissingMedia(j.deps.Clock.Now())
		return j.settle(ctx, cfg, p, false)
	}

	for _, a := range j.fanOut(ctx, cfg, p, attempts) {
		p.RecordAttempt(a)
		ev := post.Event{PostID: p.ID, Action: "attempt", Status: p.Status, Platform: a.Platform.String(), At: a.At}
		switch {
		case a.Skipped:
			ev.Detail = "skipped: " + a.SkipReason
		case a.Err != nil:
			ev.Detail = "failed: " + a.Err.Error()
		default:
			ev.Detail = "posted"
		}
		j.publish(eventbus.PlatformAttempt, ev)
	}
	p.Resolve(j.deps.Clock.Now())
	return j.settle(ctx, cfg, p, true)
}

// settle persists a resolved post, requeueing it first when every failure
// is retriable and the retry budget allows.
func (j *PostingJob) settle(ctx context.Context, cfg PostingConfig, p *post.ContentPost, mayRequeue bool) postOutcome {
	now := j.deps.Clock.Now()
	resolved, reason := p.Status, p.FailureReason
	requeued := false
	if mayRequeue && cfg.AutoRetryMax > 0 && p.RetryCount < cfg.AutoRetryMax && p.AutoRetriable() {
		requeued = p.Requeue(now.Add(cfg.AutoRetryDelay), now) == nil
	}

	// Settle even when the run's context is gone; otherwise the post stays
	// in Posting.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := j.deps.Posts.Save(sctx, p); err != nil {
		j.log.Error("saving resolved post failed", logx.String("post", p.ID), logx.String("status", string(resolved)), logx.Err(err))
		return postOutcome{err: err}
	}

	detail := summarize(p)
	if reason != "" {
		detail = reason + "; " + detail
	}
	j.audit(sctx, post.AuditEntry{PostID: p.ID, Action: "resolve", From: post.StatusPosting, To: resolved, Detail: detail, At: now})
	j.publish(eventbus.PostResolved, post.Event{PostID: p.ID, Action: "resolve", Status: resolved, Detail: detail, At: now})
	if requeued {
		j.audit(sctx, post.AuditEntry{PostID: p.ID, Action: "auto_requeue", From: resolved, To: p.Status, Detail: p.ScheduledAt.Format(time.RFC3339), At: now})
		j.publish(eventbus.PostRequeued, post.Event{PostID: p.ID, Action: "auto_requeue", Status: p.Status, At: now})
	}

	lvl := j.log.Info
	if resolved != post.StatusPosted {
		lvl = j.log.Warn
	}
	lvl("post resolved", logx.String("post", p.ID), logx.String("status", string(resolved)), logx.String("platforms", detail), logx.Bool("requeued", requeued))
	return postOutcome{status: resolved, requeued: requeued}
}

// fanOut runs one attempt per platform concurrently and waits for all of
// them. Results are in the order of pls.
func (j *PostingJob) fanOut(ctx context.Context, cfg PostingConfig, p *post.ContentPost, pls []post.Platform) []post.Attempt {
	results := make([]post.Attempt, len(pls))
	req := publisher.Request{PostID: p.ID, MediaPath: p.MediaPath(), Caption: p.Caption, Hashtags: append([]string(nil), p.Hashtags...)}
	var wg sync.WaitGroup
	for i, pl := range pls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = j.attempt(ctx, cfg, pl, req)
		}()
	}
	wg.Wait()
	return results
}

// attempt never panics and always yields a settled result.
func (j *PostingJob) attempt(ctx context.Context, cfg PostingConfig, pl post.Platform, req publisher.Request) (a post.Attempt) {
	a.Platform = pl
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("publisher panicked", logx.String("post", req.PostID), logx.String("platform", pl.String()), logx.Any("panic", r))
			a = post.Attempt{Platform: pl, Err: fmt.Errorf("publisher panic: %v", r), ErrorKind: kindInternal, At: j.deps.Clock.Now()}
		}
	}()

	pub := j.deps.Publishers.Get(pl)
	if pub == nil {
		a.Skipped, a.SkipReason, a.At = true, "no adapter configured", j.deps.Clock.Now()
		return a
	}
	actx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()
	res, err := pub.PostVideo(actx, req)
	a.At = j.deps.Clock.Now()

	switch {
	case errors.Is(err, publisher.ErrAdapterDisabled):
		a.Skipped, a.SkipReason = true, post.SkipDisabled
	case err != nil:
		pe := publisher.Classify(pl, err)
		if errors.Is(actx.Err(), context.DeadlineExceeded) && pe.Kind != publisher.KindTimeout {
			pe = &publisher.PublishError{Platform: pl, Kind: publisher.KindTimeout, Err: err}
		}
		a.Err, a.ErrorKind, a.Retriable = pe, string(pe.Kind), pe.Retriable()
	case res.Skipped:
		a.Skipped, a.SkipReason = true, res.SkipReason
	default:
		a.Posted, a.MediaID, a.ShareURL = true, res.MediaID, res.ShareURL
	}
	return a
}

// Recover settles posts left in Posting by a previous process: attempts
// that were in flight are recorded as retriable failures.
func (j *PostingJob) Recover(ctx context.Context) (int, error) {
	stuck, err := j.deps.Posts.FindByStatus(ctx, post.StatusPosting)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range stuck {
		if j.settleInterrupted(ctx, p, kindInterrupted, errors.New("interrupted before the attempt settled")) {
			n++
		}
	}
	if n > 0 {
		j.log.Warn("recovered interrupted posts", logx.Int("count", n))
	}
	return n, nil
}

func (j *PostingJob) settleInterrupted(ctx context.Context, p *post.ContentPost, kind string, cause error) bool {
	if p.Status != post.StatusPosting {
		return false
	}
	now := j.deps.Clock.Now()
	for _, pl := range post.Platforms() {
		switch p.PlatformStatus.Get(pl).Status {
		case post.PlatformPending:
			p.BeginAttempt(pl)
		case post.PlatformPosting:
		default:
			continue
		}
		p.RecordAttempt(post.Attempt{Platform: pl, Err: cause, ErrorKind: kind, Retriable: kind == kindInterrupted, At: now})
	}
	if !p.Resolve(now) {
		return false
	}
	return j.settle(ctx, j.config(), p, false).err == nil
}

func (j *PostingJob) audit(ctx context.Context, e post.AuditEntry) {
	if j.deps.Audit == nil {
		return
	}
	if err := j.deps.Audit.Append(ctx, e); err != nil {
		j.log.Warn("audit append failed", logx.String("post", e.PostID), logx.String("action", e.Action), logx.Err(err))
	}
}

func (j *PostingJob) publish(typ string, ev post.Event) {
	if j.deps.Bus != nil {
		j.deps.Bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
	}
}

// summarize renders "tiktok=posted instagram=failed".
func summarize(p *post.ContentPost) string {
	parts := make([]string, 0, 3)
	for _, pl := range p.Targeted() {
		parts = append(parts, pl.String()+"="+string(p.PlatformStatus.Get(pl).Status))
	}
	return strings.Join(parts, " ")
}
