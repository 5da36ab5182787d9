// Package storage persists the monitor's durable state: grade snapshots
// per account, an audit trail of poll outcomes and operator actions, and
// the notifier's dedup index. Backends: plain files or SQLite.
package storage
