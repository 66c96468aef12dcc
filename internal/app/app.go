package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"postflow/internal/caption"
	"postflow/internal/config"
	"postflow/internal/eventbus"
	"postflow/internal/jobs"
	"postflow/internal/notifier"
	"postflow/internal/observability"
	"postflow/internal/post"
	"postflow/internal/publisher"
	rtsup "postflow/internal/runtime/supervisor"
	"postflow/internal/storage"
	"postflow/internal/task/engine"
	"postflow/internal/task/scheduler"
	logx "postflow/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock clockwork.Clock

	engine *engine.Service
	sched  *scheduler.Service
	pubs   *publisher.Registry
	notif  *notifier.Service
	posts  *post.Service

	metrics *observability.Metrics
	obs     *observability.Service

	posting *jobs.PostingJob
	jobs    *jobs.Set

	// guarded by mu; replaced on reload
	mu        sync.Mutex
	selection *jobs.SelectionJob
	inputs    map[string]any
	specs     map[string]jobSpec
}

// New loads the config and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(checkConfig)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    eventbus.New(),
		clock:  clockwork.NewRealClock(),
		jobs:   jobs.NewSet(),
		inputs: map[string]any{},
		specs:  map[string]jobSpec{},
	}
	if err := a.wire(cfg, root); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage"))); err != nil {
		return err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ec, root.With(logx.String("comp", "engine")), a.bus)

	schc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schc, a.engine, root.With(logx.String("comp", "scheduler")), a.bus)

	pcs, err := mapPlatformConfigs(cfg)
	if err != nil {
		return err
	}
	a.pubs = publisher.NewRegistry(pcs, nil, root.With(logx.String("comp", "publisher")))

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	sink, err := mapAlertSink(cfg, root.With(logx.String("comp", "alerts")))
	if err != nil {
		return err
	}
	a.notif = notifier.New(nc, sink, root, a.bus, a.store)
	a.logs.SetAlertSink(a.forwardLog)

	a.posts = post.NewService(a.store.Posts(), a.store.Audit(), root.With(logx.String("comp", "posts")), a.bus)

	pc, err := mapPostingConfig(cfg)
	if err != nil {
		return err
	}
	a.posting = jobs.NewPostingJob(pc, jobs.PostingDeps{
		Posts:      a.store.Posts(),
		Audit:      a.store.Audit(),
		Publishers: a.pubs,
		Clock:      a.clock,
		Log:        root.With(logx.String("comp", "jobs")),
		Bus:        a.bus,
	})

	a.metrics = observability.NewMetrics()
	oc, err := mapObservabilityConfig(cfg)
	if err != nil {
		return err
	}
	a.obs = observability.New(oc, observability.Deps{
		Metrics:  a.metrics,
		Jobs:     a.jobs,
		Registry: a.registryState,
		Adapters: a.pubs.Status,
		Latest:   a.latestSelection,
		Posts:    a.posts,
		Audit:    a.store.Audit(),
		Now:      a.clock.Now,
	}, root.With(logx.String("comp", "observability")))
	return nil
}

func (a *App) registryState() scheduler.RegistryState {
	st, err := a.sched.Status("")
	if err != nil {
		return scheduler.RegistryStopped
	}
	return st.State
}

func (a *App) latestSelection() jobs.Selection {
	a.mu.Lock()
	sel := a.selection
	a.mu.Unlock()
	if sel == nil {
		return jobs.Selection{}
	}
	return sel.Latest()
}

// forwardLog turns alert-level log records into notifier alerts. Records
// from the notifier itself and from the log sink are dropped so a failing
// sink cannot feed itself.
func (a *App) forwardLog(level logx.Level, msg string, fields map[string]any) {
	if comp, _ := fields["comp"].(string); comp == "notifier" || comp == "alerts" {
		return
	}
	sev := notifier.SeverityWarning
	if level >= logx.LevelError {
		sev = notifier.SeverityCritical
	}
	al := notifier.Alert{Kind: "log", Severity: sev, Title: msg, Fields: map[string]string{}}
	for k, v := range fields {
		al.Fields[k] = fmt.Sprint(v)
	}
	_ = a.notif.Notify(context.Background(), al)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()
	// Subscribe before reading the baseline so no commit falls between them.
	sub := a.cfgm.Subscribe(8)
	cfg := a.cfgm.Get()

	if a.notif.Enabled() {
		a.notif.Start(c)
	}
	a.engine.Start(c)
	a.sched.Start(c)

	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })

	// Posts left in posting by a previous process are settled before the
	// posting job can claim anything.
	if _, err := a.posting.Recover(c); err != nil {
		a.log.Warn("posting recovery failed", logx.Err(err))
	}

	a.syncJobs(cfg)

	if oc, err := mapObservabilityConfig(cfg); err == nil {
		a.obs.Reconfigure(c, oc)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	last := cfg
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("jobs", len(a.jobs.Status())))
	return nil
}

// applyConfig pushes a validated config into every live component.
// Storage is the only section that needs a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rs := config.NeedsRestart(sections); len(rs) > 0 {
		a.log.Warn("config change requires restart", logx.String("sections", strings.Join(rs, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if sc, err := mapSchedulerConfig(next); err == nil {
		a.sched.Apply(ctx, sc)
	}
	if ec, err := mapEngineConfig(next); err == nil {
		a.engine.Apply(ctx, ec)
	}
	if pcs, err := mapPlatformConfigs(next); err == nil {
		a.pubs.Apply(pcs)
	}

	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(nc)
		if sink, err := mapAlertSink(next, a.log.With(logx.String("comp", "alerts"))); err != nil {
			a.log.Warn("alert sink rebuild failed; keeping previous", logx.Err(err))
		} else {
			a.notif.SetSink(sink)
		}
		switch {
		case was && !nc.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !was && nc.Enabled:
			a.notif.Start(ctx)
		}
	}

	if pc, err := mapPostingConfig(next); err == nil {
		a.posting.Apply(pc)
	}
	a.syncJobs(next)

	if oc, err := mapObservabilityConfig(next); err == nil {
		a.obs.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// syncJobs brings every job control in line with cfg. A job whose handler
// inputs or schedule changed is re-registered; enabling and disabling start
// and stop it.
func (a *App) syncJobs(cfg *config.Config) {
	for _, e := range jobCommons(cfg) {
		log := a.log.With(logx.String("job", e.name))
		js, err := mapJobSpec(cfg, e.name, e.jc)
		if err != nil {
			log.Warn("job schedule rejected", logx.Err(err))
			continue
		}

		in := a.handlerInputs(cfg, e.name)
		a.mu.Lock()
		same := reflect.DeepEqual(a.inputs[e.name], in) && reflect.DeepEqual(a.specs[e.name], js)
		a.mu.Unlock()

		ctl, exists := a.jobs.Get(e.name)
		var h scheduler.Handler
		if !exists || !same {
			if h, err = a.buildHandler(cfg, e.name); err != nil {
				log.Warn("job not runnable", logx.Err(err))
			}
		}

		switch {
		case !exists:
			ctl = jobs.NewControl(a.sched, e.name, js.spec, h, js.opts)
			a.jobs.Add(ctl)
		case !same && h == nil:
			ctl.Stop()
		case !same:
			if err := ctl.Reschedule(js.spec, h, js.opts); err != nil {
				log.Warn("job reschedule failed; keeping previous", logx.Err(err))
				continue
			}
		}
		// a handler that failed to build is retried on the next sync
		if !same && h != nil {
			a.mu.Lock()
			a.inputs[e.name], a.specs[e.name] = in, js
			a.mu.Unlock()
		}

		runnable := h != nil || (same && exists)
		if !e.jc.On() || !runnable {
			if ctl.Started() {
				ctl.Stop()
				log.Info("job stopped")
			}
			continue
		}
		if !ctl.Started() {
			if err := ctl.Start(); err != nil {
				log.Warn("job start failed", logx.Err(err))
				continue
			}
			log.Info("job started", logx.String("schedule", js.spec))
		}
	}
}

// handlerInputs is the config a job's handler is built from.
func (a *App) handlerInputs(cfg *config.Config, name string) any {
	j := cfg.Jobs
	switch name {
	case jobs.NameContentSelection:
		return j.ContentSelection.Filters
	case jobs.NameBatchGeneration:
		bc, err := mapBatchConfig(cfg)
		return []any{bc, err, cfg.Caption}
	case jobs.NameBudgetMonitor:
		return mapThresholds(cfg)
	case jobs.NameABTestMonitor:
		return j.ABTestMonitor.MinSamples
	}
	// posting follows PostingJob.Apply
	return nil
}

func (a *App) buildHandler(cfg *config.Config, name string) (scheduler.Handler, error) {
	log := a.log.With(logx.String("comp", "jobs"))
	switch name {
	case jobs.NameContentSelection:
		sel := jobs.NewSelectionJob(a.store.Stories(), mapFilters(cfg.Jobs.ContentSelection.Filters), a.clock, log)
		a.mu.Lock()
		a.selection = sel
		a.mu.Unlock()
		return sel, nil
	case jobs.NameBatchGeneration:
		bc, err := mapBatchConfig(cfg)
		if err != nil {
			return nil, err
		}
		comp, err := mapCaption(cfg)
		if err != nil {
			return nil, err
		}
		return a.batchJob(bc, comp, log)
	case jobs.NamePosting:
		return a.posting, nil
	case jobs.NameBudgetMonitor:
		return jobs.NewBudgetMonitor(a.store.Campaigns(), mapThresholds(cfg), a.notif, a.clock, log), nil
	case jobs.NameABTestMonitor:
		return jobs.NewABTestMonitor(a.store.Campaigns(), cfg.Jobs.ABTestMonitor.MinSamples, a.notif, a.clock, log), nil
	}
	return nil, fmt.Errorf("%s: %w", name, scheduler.ErrUnknownJob)
}

func (a *App) batchJob(bc jobs.BatchConfig, comp *caption.Composer, log logx.Logger) (scheduler.Handler, error) {
	j, err := jobs.NewBatchJob(bc, jobs.BatchDeps{
		Stories:  a.store.Stories(),
		Posts:    a.store.Posts(),
		Service:  a.posts,
		Composer: comp,
		Clock:    a.clock,
		Log:      log,
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			// never extend the caller's deadline
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			// leak signal: report when the step eventually returns
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("jobs", time.Second, func(context.Context) error { a.jobs.StopAll(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// in-flight posting runs settle here
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.SetAlertSink(nil)
	return a.logs.Close()
}
