package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field cron ("m h dom mon dow") plus descriptors like @daily.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Expr is a parsed schedule bound to a timezone.
type Expr struct {
	Spec     string
	Location *time.Location
	sched    cron.Schedule
}

// ParseExpr parses spec and resolves tz. An empty tz uses fallback
// (time.Local when fallback is nil).
func ParseExpr(spec, tz string, fallback *time.Location) (Expr, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Expr{}, &InvalidScheduleError{Spec: spec, Err: errors.New("schedule required")}
	}
	if strings.HasPrefix(spec, "TZ=") || strings.HasPrefix(spec, "CRON_TZ=") {
		return Expr{}, &InvalidScheduleError{Spec: spec, Err: errors.New("set the timezone option instead of a TZ= prefix")}
	}
	sched, err := specParser.Parse(spec)
	if err != nil {
		return Expr{}, &InvalidScheduleError{Spec: spec, Err: err}
	}
	loc, err := resolveLocation(tz, fallback)
	if err != nil {
		return Expr{}, &InvalidScheduleError{Spec: spec, Err: err}
	}
	return Expr{Spec: spec, Location: loc, sched: sched}, nil
}

func resolveLocation(tz string, fallback *time.Location) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		if fallback != nil {
			return fallback, nil
		}
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Next returns the first fire time strictly after t, in the expression's timezone.
// The zero time means the expression never fires again.
func (e Expr) Next(t time.Time) time.Time {
	if e.sched == nil {
		return time.Time{}
	}
	loc := e.Location
	if loc == nil {
		loc = time.Local
	}
	return e.sched.Next(t.In(loc))
}

// Due reports whether a fire time falls in (prev, now].
func (e Expr) Due(prev, now time.Time) bool {
	next := e.Next(prev)
	return !next.IsZero() && !next.After(now)
}

// DailySpec converts an HH:MM wall-clock time into a daily cron expression.
func DailySpec(hhmm string) (string, error) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return "", &InvalidScheduleError{Spec: hhmm, Err: err}
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

// ParseHHMM validates an HH:MM value (hour 0..23, minute 0..59).
func ParseHHMM(s string) (hour, minute int, err error) {
	h, m, err := parseHHMM(s)
	if err != nil {
		return 0, 0, &InvalidScheduleError{Spec: s, Err: err}
	}
	return h, m, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
