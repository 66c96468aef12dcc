package jobs

import (
	"errors"
	"fmt"
	"sync"

	"postflow/internal/task/scheduler"
)

// ErrNotStarted is returned by Control.Trigger while the job is stopped.
var ErrNotStarted = errors.New("job is not started")

// Registrar is the part of the scheduler a Control needs.
type Registrar interface {
	Register(name, spec string, h scheduler.Handler, opts scheduler.Options) error
	Unregister(name string) bool
	Trigger(name string) error
	Status(name string) (scheduler.Status, error)
}

// Control starts, stops and triggers one job by (un)registering it with the
// scheduler. Start and Stop are idempotent.
type Control struct {
	reg  Registrar
	name string
	h    scheduler.Handler

	mu      sync.Mutex
	spec    string
	opts    scheduler.Options
	started bool
}

func NewControl(reg Registrar, name, spec string, h scheduler.Handler, opts scheduler.Options) *Control {
	return &Control{reg: reg, name: name, spec: spec, h: h, opts: opts}
}

func (c *Control) Name() string { return c.name }

// Start registers the job. An invalid schedule is returned as
// *scheduler.InvalidScheduleError and leaves the job stopped.
func (c *Control) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := c.reg.Register(c.name, c.spec, c.h, c.opts); err != nil {
		return err
	}
	c.started = true
	return nil
}

// Stop unregisters the job. A run in flight is allowed to finish.
func (c *Control) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.reg.Unregister(c.name)
	c.started = false
}

// Reschedule swaps the schedule and, when h is non-nil, the handler.
// A started job is re-registered, which resets its stats; on error the
// previous registration stays in place.
func (c *Control) Reschedule(spec string, h scheduler.Handler, opts scheduler.Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		h = c.h
	}
	if c.started {
		if err := c.reg.Register(c.name, spec, h, opts); err != nil {
			return err
		}
	}
	c.spec, c.h, c.opts = spec, h, opts
	return nil
}

// Trigger runs the job now. An overlapping run yields
// *scheduler.AlreadyRunningError.
func (c *Control) Trigger() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return fmt.Errorf("%s: %w", c.name, ErrNotStarted)
	}
	return c.reg.Trigger(c.name)
}

// Status reports the job's registry status; a stopped job reports its
// configured schedule and zero stats.
func (c *Control) Status() (scheduler.JobStatus, error) {
	c.mu.Lock()
	started, spec, tz := c.started, c.spec, c.opts.Timezone
	c.mu.Unlock()
	if !started {
		return scheduler.JobStatus{Name: c.name, Schedule: spec, Timezone: tz, State: scheduler.JobIdle}, nil
	}
	st, err := c.reg.Status(c.name)
	if err != nil {
		return scheduler.JobStatus{}, err
	}
	return st.Jobs[0], nil
}

// Started reports whether the job is registered.
func (c *Control) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Set indexes Controls by job name, in registration order.
type Set struct {
	order  []*Control
	byName map[string]*Control
}

func NewSet(cs ...*Control) *Set {
	s := &Set{byName: make(map[string]*Control, len(cs))}
	for _, c := range cs {
		s.Add(c)
	}
	return s
}

// Add replaces any Control with the same name.
func (s *Set) Add(c *Control) {
	if c == nil {
		return
	}
	if old, ok := s.byName[c.name]; ok {
		for i, o := range s.order {
			if o == old {
				s.order[i] = c
			}
		}
	} else {
		s.order = append(s.order, c)
	}
	s.byName[c.name] = c
}

func (s *Set) Get(name string) (*Control, bool) {
	c, ok := s.byName[name]
	return c, ok
}

func (s *Set) lookup(name string) (*Control, error) {
	c, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, scheduler.ErrUnknownJob)
	}
	return c, nil
}

func (s *Set) Start(name string) error {
	c, err := s.lookup(name)
	if err != nil {
		return err
	}
	return c.Start()
}

func (s *Set) Stop(name string) error {
	c, err := s.lookup(name)
	if err != nil {
		return err
	}
	c.Stop()
	return nil
}

func (s *Set) Trigger(name string) error {
	c, err := s.lookup(name)
	if err != nil {
		return err
	}
	return c.Trigger()
}

// StopAll stops every job, newest first.
func (s *Set) StopAll() {
	for i := len(s.order) - 1; i >= 0; i-- {
		s.order[i].Stop()
	}
}

// Status lists every job, started or not.
func (s *Set) Status() []scheduler.JobStatus {
	out := make([]scheduler.JobStatus, 0, len(s.order))
	for _, c := range s.order {
		st, err := c.Status()
		if err != nil {
			// unregistered behind our back
			st = scheduler.JobStatus{Name: c.name, State: scheduler.JobIdle}
		}
		out = append(out, st)
	}
	return out
}
