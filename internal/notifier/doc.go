// Package notifier provides the async delivery pipeline for outbound alerts.
//
// Everything the bot proactively tells a user flows through here: grade
// change alerts, pending-survey warnings, fetch failures, and daily digests.
// A notification carries a logical channel (for dedup and bus events), a
// priority, a target chat, and send options such as "disable link preview".
//
// # Pipeline
//
// Notify() enqueues; a small worker pool drains the queue through a shared
// token-bucket rate limit, with exponential-backoff retries per send.
// Duplicate suppression is keyed by (channel, target, priority, text) over a
// configurable window, optionally persisted through storage so a restart
// does not re-alert on the same grade row.
//
// # Transport
//
// Delivery is delegated to a transport.Adapter implementation (the Telegram
// adapter in practice), so the pipeline stays platform neutral.
//
// # History
//
// For /status visibility the service keeps a bounded in-memory history of
// recently sent notifications.
package notifier
