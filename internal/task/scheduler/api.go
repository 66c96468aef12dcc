package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"postflow/internal/eventbus"
	"postflow/internal/task/engine"
	logx "postflow/pkg/logx"
)

// Register adds or replaces the job called name. Replacing resets its stats.
// With RunImmediately the job also runs once right away (or on Start when
// the registry is stopped).
func (s *Service) Register(name, spec string, h Handler, opts Options) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	if h == nil {
		return fmt.Errorf("job %q: handler required", name)
	}

	s.mu.Lock()
	expr, err := ParseExpr(spec, opts.Timezone, s.defaultLocationLocked())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	st := s.states[name]
	if st == nil {
		st = &engine.RunState{}
		s.states[name] = st
	}
	j := &job{
		name:    name,
		tz:      strings.TrimSpace(opts.Timezone),
		expr:    expr,
		handler: h,
		opts:    opts,
		state:   st,
	}
	j.stats.NextRunAt = expr.Next(s.clock.Now())
	_, replaced := s.jobs[name]
	s.jobs[name] = j
	running := s.running
	if opts.RunImmediately && !running {
		j.pendingImmediate = true
	}
	s.mu.Unlock()

	s.log.Debug("job registered",
		logx.String("job", name),
		logx.String("spec", expr.Spec),
		logx.String("tz", expr.Location.String()),
		logx.Time("next", j.stats.NextRunAt),
		logx.Bool("replaced", replaced),
	)

	if opts.RunImmediately && running {
		if err := s.dispatch(j, "immediate"); err != nil {
			s.reportEnqueueError(j, err)
		}
	}
	return nil
}

// Unregister removes the job. A run already in flight finishes but its
// outcome is no longer recorded.
func (s *Service) Unregister(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	j, ok := s.jobs[name]
	if ok {
		delete(s.jobs, name)
		if !j.state.Busy() {
			delete(s.states, name)
		}
	}
	s.mu.Unlock()
	if ok {
		s.log.Debug("job unregistered", logx.String("job", name))
	}
	return ok
}

// Trigger runs the job now, bypassing its schedule but not the single-flight
// guard: a job with a run queued or executing yields *AlreadyRunningError.
func (s *Service) Trigger(name string) error {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	j := s.jobs[name]
	s.mu.Unlock()
	if j == nil {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.dispatch(j, "manual")
}

// Status returns one job (name != "") or all jobs sorted by name, plus the
// registry state.
func (s *Service) Status(name string) (Status, error) {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Status{State: RegistryStopped}
	if s.running {
		out.State = RegistryRunning
	}
	if name != "" {
		j := s.jobs[name]
		if j == nil {
			return out, fmt.Errorf("%w: %q", ErrUnknownJob, name)
		}
		out.Jobs = []JobStatus{j.statusLocked()}
		return out, nil
	}
	out.Jobs = make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out.Jobs = append(out.Jobs, j.statusLocked())
	}
	sort.Slice(out.Jobs, func(a, b int) bool { return out.Jobs[a].Name < out.Jobs[b].Name })
	return out, nil
}

func (j *job) statusLocked() JobStatus {
	st := JobIdle
	if j.state.Busy() {
		st = JobRunning
	}
	stats := j.stats
	if stats.LastResult != nil {
		r := *stats.LastResult
		stats.LastResult = &r
	}
	return JobStatus{
		Name:     j.name,
		Schedule: j.expr.Spec,
		Timezone: j.expr.Location.String(),
		State:    st,
		Stats:    stats,
	}
}

func (s *Service) dispatch(j *job, trigger string) error {
	if s.engine == nil {
		return ErrStopped
	}
	retries := -1
	if j.opts.Retries > 0 {
		retries = j.opts.Retries
	}

	// Run and OnDone execute sequentially on the same worker.
	var res Result
	err := s.engine.Enqueue(engine.Task{
		Name:    "job:" + j.name,
		Timeout: j.opts.Timeout,
		State:   j.state,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: retries},
		Run: func(ctx context.Context) error {
			s.publish(eventbus.JobStarted, JobEvent{Name: j.name, Trigger: trigger, Started: s.clock.Now()})
			r, err := j.handler.Execute(ctx)
			if err == nil {
				res = r
			}
			return err
		},
		OnDone: func(out engine.Outcome) { s.finish(j, trigger, res, out) },
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrOverlapSkip):
		return &AlreadyRunningError{Name: j.name}
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		return fmt.Errorf("%w: %v", ErrStopped, err)
	case errors.Is(err, engine.ErrQueueFull):
		return ErrQueueFull
	default:
		return err
	}
}

func (s *Service) finish(j *job, trigger string, res Result, out engine.Outcome) {
	if out.Dropped {
		reason := "dropped"
		if out.Err != nil {
			reason = out.Err.Error()
		}
		s.skipped(j, trigger, reason)
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	tracked := s.jobs[j.name] == j
	if tracked {
		st := &j.stats
		st.RunCount++
		st.LastRunAt = out.Started
		st.LastDurationMs = out.Duration.Milliseconds()
		if out.Err != nil {
			st.ErrorCount++
			st.LastError = out.Err.Error()
		} else {
			st.SuccessCount++
			st.LastError = ""
			r := res
			st.LastResult = &r
		}
		st.NextRunAt = j.expr.Next(now)
	} else if s.jobs[j.name] == nil && s.states[j.name] == j.state {
		// Unregistered mid-run and not re-registered: the guard has no owner left.
		delete(s.states, j.name)
	}
	s.mu.Unlock()

	ev := JobEvent{Name: j.name, Trigger: trigger, Started: out.Started, Duration: out.Duration}
	if out.Err != nil {
		ev.Error = out.Err.Error()
		s.log.Warn("job failed",
			logx.String("job", j.name),
			logx.String("trigger", trigger),
			logx.Duration("dur", out.Duration),
			logx.Err(out.Err),
		)
		s.publish(eventbus.JobFailed, ev)
	} else {
		fields := []logx.Field{logx.String("job", j.name), logx.String("trigger", trigger), logx.Duration("dur", out.Duration)}
		if res.Message != "" {
			fields = append(fields, logx.String("result", res.Message))
		}
		s.log.Info("job completed", fields...)
		s.publish(eventbus.JobFinished, ev)
	}
	if !tracked {
		s.log.Debug("job outcome discarded; job was unregistered or replaced", logx.String("job", j.name))
	}
}

func (s *Service) skipped(j *job, trigger, reason string) {
	s.log.Debug("job fire skipped", logx.String("job", j.name), logx.String("trigger", trigger), logx.String("reason", reason))
	s.publish(eventbus.JobSkipped, JobEvent{Name: j.name, Trigger: trigger, Started: s.clock.Now(), SkipReason: reason})
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
}
