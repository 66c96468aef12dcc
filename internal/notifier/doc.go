// Package notifier delivers operator alerts.
//
// Alerts are small structured messages raised by the monitor jobs (budget
// thresholds, finished A/B tests) and by the logger for error-level records.
// The Service queues them and delivers through a Sink with a worker pool, a
// rate limit, retry with backoff and a dedup window that can survive restarts
// when the store persists dedup keys.
//
// # Sinks
//
// LogSink writes alerts to the structured log. TelegramSink sends them to a
// chat through the Telegram Bot API. Fanout combines several sinks.
//
// # History
//
// For operator visibility, the service keeps a small in-memory history of
// recently delivered alerts.
package notifier
