package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
			return ValidHHMM(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// ValidHHMM reports whether s is a 24h "HH:MM" time.
func ValidHHMM(s string) bool {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return false
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return false
	}
	mm, err := strconv.Atoi(m)
	return err == nil && mm >= 0 && mm <= 59
}

// Validate checks struct tags plus the semantic rules tags can't express:
// durations parse, timezones load and ratios are ordered. Schedules are
// checked by the scheduler when jobs register.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	durations := map[string]string{
		"scheduler.tick":                 cfg.Scheduler.Tick,
		"engine.default_timeout":         cfg.Engine.DefaultTimeout,
		"engine.max_queue_delay":         cfg.Engine.MaxQueueDelay,
		"storage.busy_timeout":           cfg.Storage.BusyTimeout,
		"jobs.content_selection.timeout": cfg.Jobs.ContentSelection.Timeout,
		"jobs.batch_generation.timeout":  cfg.Jobs.BatchGeneration.Timeout,
		"jobs.posting.timeout":           cfg.Jobs.Posting.Timeout,
		"jobs.posting.attempt_timeout":   cfg.Jobs.Posting.AttemptTimeout,
		"jobs.posting.auto_retry_delay":  cfg.Jobs.Posting.AutoRetryDelay,
		"jobs.budget_monitor.timeout":    cfg.Jobs.BudgetMonitor.Timeout,
		"jobs.abtest_monitor.timeout":    cfg.Jobs.ABTestMonitor.Timeout,
		"telegram.timeout":               cfg.Telegram.Timeout,
		"observability.read_timeout":     cfg.Observability.ReadTimeout,
		"observability.write_timeout":    cfg.Observability.WriteTimeout,
		"observability.idle_timeout":     cfg.Observability.IdleTimeout,
	}
	if n := cfg.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.dedup_window"] = n.DedupWindow
	}
	for name, pc := range cfg.Platforms {
		durations["platforms."+name+".timeout"] = pc.Timeout
		if pc.Enabled && strings.TrimSpace(pc.BaseURL) == "" {
			return fmt.Errorf("platforms.%s.base_url is required when enabled", name)
		}
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	zones := map[string]string{
		"scheduler.timezone":              cfg.Scheduler.Timezone,
		"jobs.content_selection.timezone": cfg.Jobs.ContentSelection.Timezone,
		"jobs.batch_generation.timezone":  cfg.Jobs.BatchGeneration.Timezone,
		"jobs.posting.timezone":           cfg.Jobs.Posting.Timezone,
		"jobs.budget_monitor.timezone":    cfg.Jobs.BudgetMonitor.Timezone,
		"jobs.abtest_monitor.timezone":    cfg.Jobs.ABTestMonitor.Timezone,
	}
	for path, tz := range zones {
		if tz = strings.TrimSpace(tz); tz == "" {
			continue
		}
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%s: invalid %q: %w", path, tz, err)
		}
	}

	bm := cfg.Jobs.BudgetMonitor
	if bm.WarnRatio > 0 && bm.CriticalRatio > 0 && bm.WarnRatio >= bm.CriticalRatio {
		return fmt.Errorf("jobs.budget_monitor.warn_ratio (%g) must be below critical_ratio (%g)", bm.WarnRatio, bm.CriticalRatio)
	}
	if strings.HasPrefix(strings.ToLower(cfg.Storage.Driver), "sqlite") && strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required when storage.driver=sqlite")
	}
	return nil
}
