// Package jobs holds the recurring job bodies registered with the scheduler:
// content selection, batch generation, scheduled posting and the budget and
// A/B-test monitors.
//
// Each job is a struct implementing scheduler.Handler. Jobs own no
// concurrency beyond their own fan-out; single-flight and timing belong to
// the scheduler.
package jobs
