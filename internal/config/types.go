package config

// Config is the whole file. Durations are Go duration strings ("500ms",
// "10s", "1m"); an empty string means the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Storage   StorageConfig   `json:"storage"`

	// Platforms is keyed by platform name. A platform that is absent is
	// treated as disabled.
	Platforms map[string]PlatformConfig `json:"platforms" validate:"dive,keys,oneof=tiktok instagram youtube_shorts,endkeys"`

	Jobs    JobsConfig    `json:"jobs"`
	Caption CaptionConfig `json:"caption"`

	// If the notifier section is omitted, the notifier defaults to enabled.
	Notifier      *NotifierConfig     `json:"notifier,omitempty"`
	Telegram      TelegramConfig      `json:"telegram"`
	Observability ObservabilityConfig `json:"observability"`
}

type LoggingConfig struct {
	Level   string           `json:"level" validate:"omitempty,oneof=trace debug info warn error TRACE DEBUG INFO WARN ERROR"`
	Console bool             `json:"console"`
	File    LoggingFile      `json:"file"`
	Alert   LoggingAlertSink `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlertSink forwards log records at or above MinLevel to the notifier.
type LoggingAlertSink struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=warn error WARN ERROR"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// SchedulerConfig controls the job registry.
type SchedulerConfig struct {
	// Timezone is the default IANA zone for jobs without their own.
	Timezone string `json:"timezone,omitempty"`
	// Tick is the evaluation resolution (default "1m").
	Tick string `json:"tick,omitempty"`
}

// EngineConfig controls the executor that runs job bodies.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0,lte=256"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=memory sqlite sqlite3"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type PlatformConfig struct {
	Enabled     bool    `json:"enabled"`
	BaseURL     string  `json:"base_url,omitempty" validate:"omitempty,url"`
	AccessToken string  `json:"access_token,omitempty"` // never logged
	Timeout     string  `json:"timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

type JobsConfig struct {
	ContentSelection ContentSelectionJob `json:"content_selection"`
	BatchGeneration  BatchGenerationJob  `json:"batch_generation"`
	Posting          PostingJob          `json:"posting"`
	BudgetMonitor    BudgetMonitorJob    `json:"budget_monitor"`
	ABTestMonitor    ABTestMonitorJob    `json:"abtest_monitor"`
}

// Job settings shared by every job. Enabled is a pointer so an omitted key
// (enabled) can be told apart from an explicit false.
type JobCommon struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// On reports whether the job should be registered.
func (j JobCommon) On() bool { return j.Enabled == nil || *j.Enabled }

type FiltersConfig struct {
	Ownership    []string `json:"ownership,omitempty"`
	Status       []string `json:"status,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	MaxSpiciness int      `json:"max_spiciness,omitempty" validate:"gte=0,lte=3"`
	Limit        int      `json:"limit,omitempty" validate:"gte=0"`
}

type ContentSelectionJob struct {
	JobCommon
	// Filters are shared with batch generation.
	Filters FiltersConfig `json:"filters"`
}

// BatchGenerationJob fires daily at Time (HH:MM). Its schedule is derived
// from Time; JobCommon.Schedule is ignored.
type BatchGenerationJob struct {
	JobCommon
	Time      string   `json:"time,omitempty" validate:"omitempty,hhmm"`
	BatchSize int      `json:"batch_size,omitempty" validate:"gte=0,lte=100"`
	DaysAhead int      `json:"days_ahead,omitempty" validate:"gte=0,lte=30"`
	PostTimes []string `json:"post_times,omitempty" validate:"dive,hhmm"`
	Platforms []string `json:"platforms,omitempty" validate:"dive,oneof=tiktok instagram youtube_shorts"`
}

type PostingJob struct {
	JobCommon
	Concurrency    int    `json:"concurrency,omitempty" validate:"gte=0,lte=64"`
	AttemptTimeout string `json:"attempt_timeout,omitempty"`
	AutoRetryMax   int    `json:"auto_retry_max,omitempty" validate:"gte=0,lte=20"`
	AutoRetryDelay string `json:"auto_retry_delay,omitempty"`
}

type BudgetMonitorJob struct {
	JobCommon
	WarnRatio     float64 `json:"warn_ratio,omitempty" validate:"gte=0"`
	CriticalRatio float64 `json:"critical_ratio,omitempty" validate:"gte=0"`
}

type ABTestMonitorJob struct {
	JobCommon
	MinSamples int64 `json:"min_samples,omitempty" validate:"gte=0"`
}

// CaptionConfig drives the caption composer used by batch generation.
type CaptionConfig struct {
	Template    string   `json:"template,omitempty"`
	DefaultTags []string `json:"default_tags,omitempty"`
	MaxTags     int      `json:"max_tags,omitempty" validate:"gte=0,lte=30"`
}

// NotifierConfig controls the async alert pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers" validate:"gte=0"`
	QueueSize       int    `json:"queue_size" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax        int    `json:"retry_max" validate:"gte=0"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries" validate:"gte=0"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// TelegramConfig enables the Telegram alert sink when Token is set.
type TelegramConfig struct {
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty" validate:"required_with=Token"`
	Timeout string `json:"timeout,omitempty"`
}

// ObservabilityConfig controls the optional HTTP server (health, metrics,
// status, admin and pprof).
//
// Security:
//   - Prefer binding to localhost (default "127.0.0.1:9090").
//   - A non-loopback address requires Token or AllowInsecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty" validate:"gte=0"`
}
