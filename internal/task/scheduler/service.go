package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"postflow/internal/eventbus"
	rtsup "postflow/internal/runtime/supervisor"
	"postflow/internal/task/engine"
	logx "postflow/pkg/logx"
)

type Option func(*Service)

// WithClock injects the clock used for ticking and due-time evaluation.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	s := &Service{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		clock:       clockwork.NewRealClock(),
		engine:      eng,
		jobs:        map[string]*job{},
		states:      map[string]*engine.RunState{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the registry config. A default-timezone change re-binds jobs
// without their own timezone; a tick change restarts the ticker.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.running

	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		fallback := s.defaultLocationLocked()
		now := s.clock.Now()
		for _, j := range s.jobs {
			if j.tz != "" {
				continue
			}
			j.expr.Location = fallback
			j.stats.NextRunAt = j.expr.Next(now)
		}
		s.log.Info("default timezone changed", logx.String("tz", fallback.String()))
	}
	s.mu.Unlock()

	if running && prev.Tick != cfg.Tick {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start transitions the registry to running and begins ticking.
// Calling Start on a running registry only logs a warning.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("scheduler already running; start ignored")
		return
	}
	s.running = true
	now := s.clock.Now()
	immediate := make([]*job, 0)
	for _, j := range s.jobs {
		j.stats.NextRunAt = j.expr.Next(now)
		if j.pendingImmediate {
			j.pendingImmediate = false
			immediate = append(immediate, j)
		}
	}
	tick := s.cfg.Tick
	ticker := s.clock.NewTicker(tick)
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	sup := s.sup
	count := len(s.jobs)
	s.mu.Unlock()

	sup.Go0("scheduler.tick", func(c context.Context) { s.loop(c, ticker) })

	for _, j := range immediate {
		if err := s.dispatch(j, "immediate"); err != nil {
			s.reportEnqueueError(j, err)
		}
	}
	s.log.Info("scheduler started", logx.Duration("tick", tick), logx.Int("jobs", count))
}

// Stop halts ticking. Runs already handed to the executor finish normally.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := s.clock.Now()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			s.log.Warn("scheduler stop incomplete", logx.Any("err", err))
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", s.clock.Since(start)))
}

// Running reports the registry lifecycle state.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context, t clockwork.Ticker) {
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.Chan():
			s.tick(now)
		}
	}
}

// tick fires every idle job whose due time has passed, then recomputes
// nextRunAt for all jobs from now. Busy jobs are skipped for this tick.
func (s *Service) tick(now time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	due := make([]*job, 0)
	for _, j := range s.jobs {
		next := j.stats.NextRunAt
		if !next.IsZero() && !next.After(now) {
			due = append(due, j)
		}
		j.stats.NextRunAt = j.expr.Next(now)
	}
	s.mu.Unlock()

	for _, j := range due {
		if j.state.Busy() {
			s.skipped(j, "schedule", "already running")
			continue
		}
		if err := s.dispatch(j, "schedule"); err != nil {
			s.reportEnqueueError(j, err)
		}
	}
}

func (s *Service) defaultLocationLocked() *time.Location {
	loc, err := resolveLocation(s.cfg.Timezone, nil)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", s.cfg.Timezone), logx.Any("err", err))
		return time.Local
	}
	return loc
}
