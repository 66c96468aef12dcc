package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"postflow/internal/campaign"
	"postflow/internal/notifier"
	"postflow/internal/task/scheduler"
	logx "postflow/pkg/logx"
)

const (
	NameBudgetMonitor = "budget-monitor"
	NameABTestMonitor = "abtest-monitor"
)

// Alerter accepts operator alerts. *notifier.Service implements it.
type Alerter interface {
	Notify(ctx context.Context, a notifier.Alert) error
}

// BudgetMonitor alerts when an active budget crosses a threshold. Each
// level is alerted once per budget; the level reached is saved with it.
type BudgetMonitor struct {
	repo       campaign.Repository
	thresholds campaign.Thresholds
	alerts     Alerter
	clock      clockwork.Clock
	log        logx.Logger
}

func NewBudgetMonitor(repo campaign.Repository, th campaign.Thresholds, alerts Alerter, clock clockwork.Clock, log logx.Logger) *BudgetMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BudgetMonitor{repo: repo, thresholds: th, alerts: alerts, clock: clock, log: log.With(logx.String("job", NameBudgetMonitor))}
}

func (m *BudgetMonitor) Execute(ctx context.Context) (scheduler.Result, error) {
	now := m.clock.Now()
	budgets, err := m.repo.ActiveBudgets(ctx, now)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("load budgets: %w", err)
	}
	counts := map[string]int{"checked": len(budgets), "warning": 0, "critical": 0}
	var errs []error
	for _, b := range budgets {
		lvl := m.thresholds.LevelFor(b.Ratio())
		if lvl == campaign.LevelNone || !lvl.Above(b.LastAlertLevel) {
			continue
		}
		m.alert(ctx, budgetAlert(b, lvl, now))
		b.LastAlertLevel = lvl
		if err := m.repo.SaveBudget(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("budget %s: %w", b.ID, err))
			continue
		}
		counts[string(lvl)]++
	}
	res := scheduler.Result{Message: fmt.Sprintf("checked %d budgets", len(budgets)), Counts: counts}
	return res, errors.Join(errs...)
}

func (m *BudgetMonitor) alert(ctx context.Context, a notifier.Alert) {
	if m.alerts == nil {
		m.log.Warn(a.Title, logx.String("kind", a.Kind))
		return
	}
	if err := m.alerts.Notify(ctx, a); err != nil {
		m.log.Warn("alert not queued", logx.String("title", a.Title), logx.Err(err))
	}
}

func budgetAlert(b campaign.Budget, lvl campaign.Level, now time.Time) notifier.Alert {
	sev, verb := notifier.SeverityWarning, "nearing"
	if lvl == campaign.LevelCritical {
		sev, verb = notifier.SeverityCritical, "at"
	}
	name := b.Name
	if name == "" {
		name = b.ID
	}
	return notifier.Alert{
		Kind:     "budget",
		Severity: sev,
		Title:    fmt.Sprintf("Budget %s %s limit", name, verb),
		Text:     fmt.Sprintf("%.0f%% of the budget is spent", b.Ratio()*100),
		Fields: map[string]string{
			"spent": money(b.Spent, b.Currency),
			"limit": money(b.Limit, b.Currency),
		},
		DedupKey: "budget:" + b.ID + ":" + string(lvl),
		At:       now,
	}
}

func money(v float64, currency string) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	if currency != "" {
		s += " " + currency
	}
	return s
}

// ABTestMonitor completes running tests that ended or have enough samples.
type ABTestMonitor struct {
	repo       campaign.Repository
	minSamples int64
	alerts     Alerter
	clock      clockwork.Clock
	log        logx.Logger
}

func NewABTestMonitor(repo campaign.Repository, minSamples int64, alerts Alerter, clock clockwork.Clock, log logx.Logger) *ABTestMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ABTestMonitor{repo: repo, minSamples: minSamples, alerts: alerts, clock: clock, log: log.With(logx.String("job", NameABTestMonitor))}
}

func (m *ABTestMonitor) Execute(ctx context.Context) (scheduler.Result, error) {
	now := m.clock.Now()
	tests, err := m.repo.RunningABTests(ctx)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("load ab tests: %w", err)
	}
	completed := 0
	var errs []error
	for _, t := range tests {
		if !t.Finished(now, m.minSamples) {
			continue
		}
		t.Complete(now)
		if err := m.repo.SaveABTest(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("ab test %s: %w", t.ID, err))
			continue
		}
		completed++
		m.log.Info("ab test completed", logx.String("test", t.ID), logx.String("winner", t.Winner))
		if m.alerts != nil {
			if err := m.alerts.Notify(ctx, abTestAlert(t)); err != nil {
				m.log.Warn("alert not queued", logx.String("test", t.ID), logx.Err(err))
			}
		}
	}
	res := scheduler.Result{
		Message: fmt.Sprintf("completed %d of %d running tests", completed, len(tests)),
		Counts:  map[string]int{"running": len(tests), "completed": completed},
	}
	return res, errors.Join(errs...)
}

func abTestAlert(t campaign.ABTest) notifier.Alert {
	name := t.Name
	if name == "" {
		name = t.ID
	}
	title := fmt.Sprintf("A/B test %s: %s wins", name, t.Winner)
	if t.Winner == campaign.Inconclusive {
		title = fmt.Sprintf("A/B test %s is inconclusive", name)
	}
	// Keyed by slot: variant names may collide or be empty.
	rate := func(v campaign.Variant) string {
		r := fmt.Sprintf("%.2f%% (%d/%d)", v.Rate()*100, v.Conversions, v.Impressions)
		if v.Name != "" {
			r = v.Name + " " + r
		}
		return r
	}
	return notifier.Alert{
		Kind:     "abtest",
		Severity: notifier.SeverityInfo,
		Title:    title,
		Fields:   map[string]string{"A": rate(t.A), "B": rate(t.B)},
		DedupKey: "abtest:" + t.ID,
		At:       t.CompletedAt,
	}
}
