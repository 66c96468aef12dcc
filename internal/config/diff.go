package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "postflow/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = []string{"storage"}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens) are never included; only
// whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs, logx.Int("engine.workers", newCfg.Engine.Workers))
	}
	if oldCfg.Storage.Driver != newCfg.Storage.Driver || oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if pl := diffPlatforms(oldCfg.Platforms, newCfg.Platforms); len(pl) > 0 {
		changed = append(changed, "platforms")
		attrs = append(attrs, logx.String("platforms.changed", strings.Join(pl, ",")))
	}
	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.posting.concurrency", newCfg.Jobs.Posting.Concurrency),
			logx.Int("jobs.posting.auto_retry_max", newCfg.Jobs.Posting.AutoRetryMax),
			logx.Int("jobs.batch_generation.batch_size", newCfg.Jobs.BatchGeneration.BatchSize),
		)
	}
	if !reflect.DeepEqual(oldCfg.Caption, newCfg.Caption) {
		changed = append(changed, "caption")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.Bool("notifier.persist_dedup", n.PersistDedup),
			)
		}
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}
	if oldCfg.Observability != newCfg.Observability {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", newCfg.Observability.Enabled),
			logx.String("observability.addr", newCfg.Observability.Addr),
			logx.Bool("observability.token_set", newCfg.Observability.Token != ""),
		)
	}
	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart lists the changed sections that are not applied live.
func NeedsRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			out = append(out, s)
		}
	}
	return out
}

func diffPlatforms(oldM, newM map[string]PlatformConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		if oldM[name] != newM[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
