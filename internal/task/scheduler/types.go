package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"postflow/internal/eventbus"
	rtsup "postflow/internal/runtime/supervisor"
	"postflow/internal/task/engine"
	logx "postflow/pkg/logx"
)

// Config controls the registry.
type Config struct {
	Timezone string        // IANA TZ used by jobs that don't set their own
	Tick     time.Duration // evaluation resolution (default 1m)
}

const defaultTick = time.Minute

// Result is what a handler reports on success.
type Result struct {
	Message string         `json:"message,omitempty"`
	Counts  map[string]int `json:"counts,omitempty"`
}

// Handler is the body of a job.
type Handler interface {
	Execute(ctx context.Context) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context) (Result, error) { return f(ctx) }

// Options are per-job registration settings.
type Options struct {
	Timezone       string
	RunImmediately bool
	Timeout        time.Duration
	// Retries is the number of in-run retries for a failed execution (0 = none).
	Retries int
}

type JobState string

const (
	JobIdle    JobState = "idle"
	JobRunning JobState = "running"
)

type RegistryState string

const (
	RegistryStopped RegistryState = "stopped"
	RegistryRunning RegistryState = "running"
)

// Stats are cumulative per registration; re-registering resets them.
type Stats struct {
	RunCount       int64     `json:"run_count"`
	SuccessCount   int64     `json:"success_count"`
	ErrorCount     int64     `json:"error_count"`
	LastRunAt      time.Time `json:"last_run_at"`
	LastDurationMs int64     `json:"last_duration_ms"`
	NextRunAt      time.Time `json:"next_run_at"`
	LastError      string    `json:"last_error,omitempty"`
	LastResult     *Result   `json:"last_result,omitempty"`
}

type JobStatus struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Timezone string   `json:"timezone"`
	State    JobState `json:"state"`
	Stats
}

type Status struct {
	State RegistryState `json:"state"`
	Jobs  []JobStatus   `json:"jobs"`
}

// JobEvent is the payload of job.* bus events.
type JobEvent struct {
	Name       string        `json:"name"`
	Trigger    string        `json:"trigger"` // "schedule" | "manual" | "immediate"
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

type job struct {
	name    string
	tz      string
	expr    Expr
	handler Handler
	opts    Options
	state   *engine.RunState

	stats            Stats
	pendingImmediate bool
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock

	engine *engine.Service

	jobs map[string]*job
	// Run states outlive registrations so a replaced job can't overlap its
	// still-running predecessor.
	states map[string]*engine.RunState

	running bool
	sup     *rtsup.Supervisor

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}
