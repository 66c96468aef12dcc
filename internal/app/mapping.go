package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postflow/internal/campaign"
	"postflow/internal/caption"
	"postflow/internal/config"
	"postflow/internal/jobs"
	"postflow/internal/notifier"
	"postflow/internal/observability"
	"postflow/internal/post"
	"postflow/internal/publisher"
	"postflow/internal/storage"
	"postflow/internal/story"
	"postflow/internal/task/engine"
	"postflow/internal/task/scheduler"
	logx "postflow/pkg/logx"
)

// Schedules used when a job leaves schedule empty.
var defaultSchedules = map[string]string{
	jobs.NameContentSelection: "0 */6 * * *",
	jobs.NamePosting:          "*/5 * * * *",
	jobs.NameBudgetMonitor:    "*/15 * * * *",
	jobs.NameABTestMonitor:    "0 * * * *",
}

const defaultBatchTime = "07:00"

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationField("scheduler.tick", cfg.Scheduler.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone), Tick: tick}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	def, err := config.ParseDurationField("engine.default_timeout", e.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.max_queue_delay", e.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        e.Workers,
		QueueSize:      e.QueueSize,
		DefaultTimeout: def,
		MaxQueueDelay:  maxDelay,
		HistorySize:    e.HistorySize,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}
	if driver == "sqlite" || driver == "sqlite3" {
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	}
	return out, nil
}

func mapPlatformConfigs(cfg *config.Config) (map[post.Platform]publisher.PlatformConfig, error) {
	out := make(map[post.Platform]publisher.PlatformConfig, len(cfg.Platforms))
	for name, pc := range cfg.Platforms {
		pl, err := post.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("platforms.%s: %w", name, err)
		}
		timeout, err := config.ParseDurationField("platforms."+name+".timeout", pc.Timeout)
		if err != nil {
			return nil, err
		}
		out[pl] = publisher.PlatformConfig{
			Enabled:     pc.Enabled,
			BaseURL:     strings.TrimSpace(pc.BaseURL),
			AccessToken: pc.AccessToken,
			Timeout:     timeout,
			RatePerSec:  pc.RatePerSec,
		}
	}
	return out, nil
}

// mapNotifierConfig: a missing notifier section still delivers alerts to the
// log sink.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, RetryMax: 2, DedupWindow: 30 * time.Minute}, nil
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

// mapAlertSink always includes the log sink; Telegram joins when a token is
// configured.
func mapAlertSink(cfg *config.Config, log logx.Logger) (notifier.Sink, error) {
	logSink := notifier.LogSink{Log: log}
	t := cfg.Telegram
	if strings.TrimSpace(t.Token) == "" {
		return logSink, nil
	}
	timeout, err := config.ParseDurationField("telegram.timeout", t.Timeout)
	if err != nil {
		return nil, err
	}
	tg, err := notifier.NewTelegramSink(notifier.TelegramConfig{Token: t.Token, ChatID: t.ChatID, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return notifier.Fanout(logSink, tg), nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	o := cfg.Observability
	read, err := config.ParseDurationOrDefault("observability.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	write, err := config.ParseDurationOrDefault("observability.write_timeout", o.WriteTimeout, 60*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("observability.idle_timeout", o.IdleTimeout, 2*time.Minute)
	if err != nil {
		return observability.Config{}, err
	}
	return observability.Config{
		Enabled:              o.Enabled,
		Addr:                 strings.TrimSpace(o.Addr),
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}, nil
}

func mapFilters(f config.FiltersConfig) story.Filters {
	return story.Filters{
		Ownership:    f.Ownership,
		Status:       f.Status,
		Categories:   f.Categories,
		MaxSpiciness: story.Spiciness(f.MaxSpiciness),
		Limit:        f.Limit,
	}
}

func mapPostingConfig(cfg *config.Config) (jobs.PostingConfig, error) {
	p := cfg.Jobs.Posting
	attempt, err := config.ParseDurationField("jobs.posting.attempt_timeout", p.AttemptTimeout)
	if err != nil {
		return jobs.PostingConfig{}, err
	}
	delay, err := config.ParseDurationField("jobs.posting.auto_retry_delay", p.AutoRetryDelay)
	if err != nil {
		return jobs.PostingConfig{}, err
	}
	return jobs.PostingConfig{
		Concurrency:    p.Concurrency,
		AttemptTimeout: attempt,
		AutoRetryMax:   p.AutoRetryMax,
		AutoRetryDelay: delay,
	}, nil
}

func mapBatchConfig(cfg *config.Config) (jobs.BatchConfig, error) {
	b := cfg.Jobs.BatchGeneration
	names := b.Platforms
	if len(names) == 0 {
		// every configured platform, enabled or not; disabled ones end up skipped
		for name := range cfg.Platforms {
			names = append(names, name)
		}
	}
	set, err := post.ParsePlatformSet(names)
	if err != nil {
		return jobs.BatchConfig{}, fmt.Errorf("jobs.batch_generation.platforms: %w", err)
	}
	at := strings.TrimSpace(b.Time)
	if at == "" {
		at = defaultBatchTime
	}
	return jobs.BatchConfig{
		Time:      at,
		Timezone:  jobTimezone(cfg, b.JobCommon),
		BatchSize: b.BatchSize,
		DaysAhead: b.DaysAhead,
		PostTimes: b.PostTimes,
		Platforms: set,
		Filters:   mapFilters(cfg.Jobs.ContentSelection.Filters),
	}, nil
}

func mapThresholds(cfg *config.Config) campaign.Thresholds {
	b := cfg.Jobs.BudgetMonitor
	th := campaign.Thresholds{Warn: b.WarnRatio, Critical: b.CriticalRatio}
	if th.Warn == 0 && th.Critical == 0 {
		th = campaign.Thresholds{Warn: 0.8, Critical: 1}
	}
	return th
}

func mapCaption(cfg *config.Config) (*caption.Composer, error) {
	c := cfg.Caption
	return caption.New(c.Template, c.DefaultTags, c.MaxTags)
}

func jobTimezone(cfg *config.Config, jc config.JobCommon) string {
	if tz := strings.TrimSpace(jc.Timezone); tz != "" {
		return tz
	}
	return strings.TrimSpace(cfg.Scheduler.Timezone)
}

// jobSpec is the schedule and options a job is registered with.
type jobSpec struct {
	spec string
	opts scheduler.Options
}

func mapJobSpec(cfg *config.Config, name string, jc config.JobCommon) (jobSpec, error) {
	spec := strings.TrimSpace(jc.Schedule)
	// Empty falls back to the registry default zone, which follows reloads.
	tz := strings.TrimSpace(jc.Timezone)
	if name == jobs.NameBatchGeneration {
		// slots are computed in this zone, so the fire time must match it
		tz = jobTimezone(cfg, jc)
		at := strings.TrimSpace(cfg.Jobs.BatchGeneration.Time)
		if at == "" {
			at = defaultBatchTime
		}
		var err error
		if spec, err = scheduler.DailySpec(at); err != nil {
			return jobSpec{}, err
		}
	}
	if spec == "" {
		spec = defaultSchedules[name]
	}
	timeout, err := config.ParseDurationField("jobs."+name+".timeout", jc.Timeout)
	if err != nil {
		return jobSpec{}, err
	}
	return jobSpec{spec: spec, opts: scheduler.Options{
		Timezone:       tz,
		Timeout:        timeout,
		RunImmediately: name == jobs.NameContentSelection,
	}}, nil
}

// jobCommons lists the shared job settings by job name, in start order.
func jobCommons(cfg *config.Config) []struct {
	name string
	jc   config.JobCommon
} {
	j := cfg.Jobs
	return []struct {
		name string
		jc   config.JobCommon
	}{
		{jobs.NameContentSelection, j.ContentSelection.JobCommon},
		{jobs.NameBatchGeneration, j.BatchGeneration.JobCommon},
		{jobs.NamePosting, j.Posting.JobCommon},
		{jobs.NameBudgetMonitor, j.BudgetMonitor.JobCommon},
		{jobs.NameABTestMonitor, j.ABTestMonitor.JobCommon},
	}
}

// checkConfig runs after config.Validate: every mapping must succeed and
// every enabled job schedule must parse.
func checkConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPlatformConfigs(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapObservabilityConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPostingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCaption(cfg); err != nil {
		return err
	}
	var fallback *time.Location
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		fallback = loc
	}
	for _, e := range jobCommons(cfg) {
		if !e.jc.On() {
			continue
		}
		js, err := mapJobSpec(cfg, e.name, e.jc)
		if err != nil {
			return fmt.Errorf("jobs.%s: %w", e.name, err)
		}
		if _, err := scheduler.ParseExpr(js.spec, js.opts.Timezone, fallback); err != nil {
			return fmt.Errorf("jobs.%s: %w", e.name, err)
		}
	}
	if cfg.Jobs.BatchGeneration.On() {
		if _, err := mapBatchConfig(cfg); err != nil {
			return err
		}
	}
	return nil
}
