// Package scheduler provides schedule registration and trigger calculation
// (cron and fixed intervals).
//
// The scheduler is trigger-only; execution happens in internal/task/engine.
// It is responsible for:
//   - registering schedules (one per monitored account, plus the digest)
//   - computing next trigger times
//   - enqueueing tasks into the task engine
package scheduler
