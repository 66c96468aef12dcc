// Package scheduler is the job registry: named recurring jobs evaluated on a
// fixed tick against cron expressions in a per-job timezone.
//
// The scheduler decides *when* a job fires; execution is delegated to
// internal/task/engine, which enforces single-flight per job, timeouts and
// panic capture. A fire that arrives while the previous run is still queued
// or executing is dropped, never queued or backfilled.
package scheduler
