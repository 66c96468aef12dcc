package observability

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postflow/internal/eventbus"
	"postflow/internal/post"
	"postflow/internal/task/scheduler"
)

const namespace = "postflow"

// Metrics mirrors bus events into Prometheus collectors on a private
// registry.
type Metrics struct {
	reg *prometheus.Registry

	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	postsResolved    *prometheus.CounterVec
	postsRequeued    *prometheus.CounterVec
	platformAttempts *prometheus.CounterVec
	alerts           *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Job runs by outcome",
		}, []string{"job", "outcome"}), // finished, failed, skipped
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of completed job runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms to ~3m
		}, []string{"job"}),
		postsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_resolved_total",
			Help:      "Posts settled by the posting job, by aggregate status",
		}, []string{"status"}),
		postsRequeued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_requeued_total",
			Help:      "Posts put back to scheduled",
		}, []string{"source"}), // requeue, auto_requeue
		platformAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_attempts_total",
			Help:      "Publish attempts by platform and result",
		}, []string{"platform", "result"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Notifier alerts by lifecycle state",
		}, []string{"state"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Observe records one event. Unknown types are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.JobFinished, eventbus.JobFailed, eventbus.JobSkipped:
		je, ok := ev.Data.(scheduler.JobEvent)
		if !ok {
			return
		}
		outcome := strings.TrimPrefix(ev.Type, "job.")
		m.jobRuns.WithLabelValues(je.Name, outcome).Inc()
		if ev.Type != eventbus.JobSkipped {
			m.jobDuration.WithLabelValues(je.Name).Observe(je.Duration.Seconds())
		}
	case eventbus.PostResolved:
		if pe, ok := ev.Data.(post.Event); ok {
			m.postsResolved.WithLabelValues(string(pe.Status)).Inc()
		}
	case eventbus.PostRequeued:
		if pe, ok := ev.Data.(post.Event); ok {
			m.postsRequeued.WithLabelValues(pe.Action).Inc()
		}
	case eventbus.PlatformAttempt:
		if pe, ok := ev.Data.(post.Event); ok {
			result, _, _ := strings.Cut(pe.Detail, ":")
			m.platformAttempts.WithLabelValues(pe.Platform, result).Inc()
		}
	case eventbus.AlertQueued, eventbus.AlertSent, eventbus.AlertDeduped, eventbus.AlertFailed:
		m.alerts.WithLabelValues(strings.TrimPrefix(ev.Type, "alert.")).Inc()
	}
}
