// Package campaign holds the spend budgets and A/B tests watched by the
// monitor jobs.
package campaign

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("campaign: not found")

// Level is a budget alert level. Levels are ordered.
type Level string

const (
	LevelNone     Level = ""
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

func (l Level) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	default:
		return 0
	}
}

// Above reports whether l is strictly more severe than other.
func (l Level) Above(other Level) bool { return l.rank() > other.rank() }

type Budget struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Limit          float64   `json:"limit"`
	Spent          float64   `json:"spent"`
	Currency       string    `json:"currency,omitempty"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	LastAlertLevel Level     `json:"last_alert_level,omitempty"`
}

// Active reports whether now falls inside the budget period. A zero
// PeriodEnd means open-ended.
func (b Budget) Active(now time.Time) bool {
	if now.Before(b.PeriodStart) {
		return false
	}
	return b.PeriodEnd.IsZero() || now.Before(b.PeriodEnd)
}

// Ratio is spent/limit; 0 for budgets without a positive limit.
func (b Budget) Ratio() float64 {
	if b.Limit <= 0 {
		return 0
	}
	return b.Spent / b.Limit
}

// Thresholds are spend ratios at which a budget alerts.
type Thresholds struct {
	Warn     float64
	Critical float64
}

// LevelFor maps a spend ratio to an alert level.
func (t Thresholds) LevelFor(ratio float64) Level {
	switch {
	case t.Critical > 0 && ratio >= t.Critical:
		return LevelCritical
	case t.Warn > 0 && ratio >= t.Warn:
		return LevelWarning
	default:
		return LevelNone
	}
}

type TestStatus string

const (
	TestRunning   TestStatus = "running"
	TestCompleted TestStatus = "completed"
)

// Inconclusive is the winner recorded for a tie.
const Inconclusive = "inconclusive"

type Variant struct {
	Name        string `json:"name"`
	Impressions int64  `json:"impressions"`
	Conversions int64  `json:"conversions"`
}

// Rate is the conversion rate; 0 without impressions.
func (v Variant) Rate() float64 {
	if v.Impressions <= 0 {
		return 0
	}
	return float64(v.Conversions) / float64(v.Impressions)
}

type ABTest struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      TestStatus `json:"status"`
	A           Variant    `json:"a"`
	B           Variant    `json:"b"`
	StartedAt   time.Time  `json:"started_at"`
	EndsAt      time.Time  `json:"ends_at,omitzero"`
	Winner      string     `json:"winner,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`
}

// Finished reports whether a running test should be completed: its end time
// has passed, or both variants reached minSamples impressions.
func (t ABTest) Finished(now time.Time, minSamples int64) bool {
	if t.Status != TestRunning {
		return false
	}
	if !t.EndsAt.IsZero() && !now.Before(t.EndsAt) {
		return true
	}
	return minSamples > 0 && t.A.Impressions >= minSamples && t.B.Impressions >= minSamples
}

// Complete picks the winner by conversion rate and marks the test completed.
func (t *ABTest) Complete(now time.Time) {
	ra, rb := t.A.Rate(), t.B.Rate()
	switch {
	case ra > rb:
		t.Winner = t.A.label("A")
	case rb > ra:
		t.Winner = t.B.label("B")
	default:
		t.Winner = Inconclusive
	}
	t.Status = TestCompleted
	t.CompletedAt = now
}

func (v Variant) label(slot string) string {
	if v.Name == "" {
		return slot
	}
	return v.Name
}

type Repository interface {
	ActiveBudgets(ctx context.Context, now time.Time) ([]Budget, error)
	SaveBudget(ctx context.Context, b Budget) error
	RunningABTests(ctx context.Context) ([]ABTest, error)
	SaveABTest(ctx context.Context, t ABTest) error
}
