package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrDisabled is returned by store methods used after Close, or on a store
// that was never opened.
var ErrDisabled = errors.New("storage disabled")

// Config selects and configures a backend. Driver "file" keeps everything
// in plain files next to Path; "sqlite" uses a database file. Empty or
// "none" disables storage entirely.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only, 0 uses the driver default
}

// SnapshotRecord is the persisted grade state for one account. Courses is
// the serialized course list; storage treats it as opaque so the schema
// lives with the grades package, not here.
type SnapshotRecord struct {
	Account string          `json:"account"`
	TakenAt time.Time       `json:"taken_at"`
	Courses json.RawMessage `json:"courses"`
}

// AuditEntry records one poll outcome, delivered notification or operator
// command. Kept flat so both backends can write it without mapping.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	ThreadID      int
	Account       string
	Component     string
	Action        string
	Target        string
	OK            int
	Fail          int
	Error         string
	TookMS        int64
	MetaJSON      string
}
