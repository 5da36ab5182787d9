package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "ubysbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// pruneEveryN is how many dedup writes pass between expiry sweeps.
const pruneEveryN = 500

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	writes atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: sqlite serializes writers anyway, and a single conn
	// keeps the pragmas applied to every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		_, _ = db.Exec(p)
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// migrate replays the embedded schema; every statement is idempotent.
func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) ready() error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s.ready() != nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutSnapshot(ctx context.Context, rec SnapshotRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	account := strings.TrimSpace(rec.Account)
	if account == "" {
		return errors.New("snapshot account is required")
	}
	if rec.TakenAt.IsZero() {
		rec.TakenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(account, taken_at, courses) VALUES(?,?,?)
		 ON CONFLICT(account) DO UPDATE SET taken_at=excluded.taken_at, courses=excluded.courses`,
		account, rec.TakenAt.Format(time.RFC3339Nano), string(rec.Courses),
	)
	return err
}

func (s *sqliteStore) GetSnapshot(ctx context.Context, account string) (SnapshotRecord, bool, error) {
	if err := s.ready(); err != nil {
		return SnapshotRecord{}, false, err
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return SnapshotRecord{}, false, nil
	}
	var takenAt, courses string
	err := s.db.QueryRowContext(ctx,
		`SELECT taken_at, courses FROM snapshots WHERE account = ?`, account,
	).Scan(&takenAt, &courses)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, false, nil
	}
	if err != nil {
		return SnapshotRecord{}, false, err
	}
	return SnapshotRecord{Account: account, TakenAt: parseTS(takenAt), Courses: []byte(courses)}, true, nil
}

func (s *sqliteStore) ListSnapshots(ctx context.Context) ([]SnapshotRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT account, taken_at, courses FROM snapshots ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var account, takenAt, courses string
		if err := rows.Scan(&account, &takenAt, &courses); err != nil {
			return nil, err
		}
		out = append(out, SnapshotRecord{Account: account, TakenAt: parseTS(takenAt), Courses: []byte(courses)})
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, thread_id, account, component, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, orNull(e.ActorUsername), e.ChatID, e.ThreadID,
		orNull(e.Account), e.Component, e.Action, e.Target, e.OK, e.Fail, orNull(e.Error), e.TookMS, orNull(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.writes.Add(1)%pruneEveryN == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if err := s.ready(); err != nil {
		return time.Time{}, false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// orNull maps empty strings to SQL NULL for nullable text columns.
func orNull(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
