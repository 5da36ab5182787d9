package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "ubysbot/pkg/logx"
)

// Store is the persistence API used by the monitor and the notifier.
type Store interface {
	// Grade snapshots, keyed by account name. Put overwrites.
	PutSnapshot(ctx context.Context, rec SnapshotRecord) error
	GetSnapshot(ctx context.Context, account string) (SnapshotRecord, bool, error)
	ListSnapshots(ctx context.Context) ([]SnapshotRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured backend. A disabled config returns
// (nil, nil); callers treat a nil Store as "run memory-only".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
