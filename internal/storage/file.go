package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "ubysbot/pkg/logx"
)

// compactAfter is how many dedup journal appends trigger a compaction into
// the dedup snapshot file.
const compactAfter = 1000

// fileStore keeps everything in plain files next to the configured path:
//
//	<prefix>.audit.jsonl            append-only audit trail
//	<prefix>.snapshots/<acct>.json  one grade snapshot per account
//	<prefix>.dedup.snapshot.json    dedup index, compacted
//	<prefix>.dedup.journal.jsonl    dedup appends since the last compact
//
// Snapshot files are replaced via temp+rename so a crash never leaves a
// torn file. The dedup index is rebuilt on open from snapshot+journal.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	audit   *os.File
	journal *os.File

	snapDir   string
	dedupSnap string

	dedup   map[string]int64 // key -> expiry, unix millis
	appends int              // journal appends since last compact
}

type journalEntry struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, stem)
	snapDir := prefix + ".snapshots"

	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, err
	}

	audit, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	dedupSnap := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"
	dedup := loadDedup(dedupSnap, journalPath)

	journal, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = audit.Close()
		return nil, err
	}

	return &fileStore{
		log:       log,
		audit:     audit,
		journal:   journal,
		snapDir:   snapDir,
		dedupSnap: dedupSnap,
		dedup:     dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range []**os.File{&s.audit, &s.journal} {
		if *f == nil {
			continue
		}
		if err := (*f).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		*f = nil
	}
	return firstErr
}

// snapshotPath maps an account to its snapshot file. Account names are
// validated upstream ([A-Za-z0-9._-]) so they are safe as file names.
func (s *fileStore) snapshotPath(account string) string {
	return filepath.Join(s.snapDir, account+".json")
}

func (s *fileStore) PutSnapshot(ctx context.Context, rec SnapshotRecord) error {
	_ = ctx
	account := strings.TrimSpace(rec.Account)
	if account == "" {
		return errors.New("snapshot account is required")
	}
	if rec.TakenAt.IsZero() {
		rec.TakenAt = time.Now()
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicWrite(s.snapshotPath(account), b)
}

func (s *fileStore) GetSnapshot(ctx context.Context, account string) (SnapshotRecord, bool, error) {
	_ = ctx
	account = strings.TrimSpace(account)
	if account == "" {
		return SnapshotRecord{}, false, nil
	}

	b, err := os.ReadFile(s.snapshotPath(account))
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotRecord{}, false, nil
		}
		return SnapshotRecord{}, false, err
	}
	var rec SnapshotRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return SnapshotRecord{}, false, err
	}
	return rec, true, nil
}

func (s *fileStore) ListSnapshots(ctx context.Context) ([]SnapshotRecord, error) {
	_ = ctx
	entries, err := os.ReadDir(s.snapDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]SnapshotRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.snapDir, e.Name()))
		if err != nil {
			continue
		}
		var rec SnapshotRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			s.log.Debug("skipping unreadable snapshot", logx.String("file", e.Name()), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.audit).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("dedup journal closed")
	}
	ms := until.UnixMilli()
	s.dedup[key] = ms

	if err := json.NewEncoder(s.journal).Encode(journalEntry{Key: key, Until: ms}); err != nil {
		return err
	}
	s.appends++
	if s.appends >= compactAfter {
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		} else {
			s.appends = 0
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	ms, ok := s.dedup[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// compactDedupLocked drops expired keys, rewrites the dedup snapshot and
// truncates the journal. Caller holds s.mu.
func (s *fileStore) compactDedupLocked() error {
	dropExpired(s.dedup)

	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	if err := atomicWrite(s.dedupSnap, b); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

// loadDedup rebuilds the dedup index from the snapshot plus any journal
// entries written after it was taken. Missing or corrupt files start empty.
func loadDedup(snapPath, journalPath string) map[string]int64 {
	out := map[string]int64{}

	if b, err := os.ReadFile(snapPath); err == nil {
		var m map[string]int64
		if json.Unmarshal(b, &m) == nil {
			for k, v := range m {
				out[k] = v
			}
		}
	}

	if f, err := os.Open(journalPath); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var e journalEntry
			if json.Unmarshal(sc.Bytes(), &e) != nil || e.Key == "" {
				continue
			}
			out[e.Key] = e.Until
		}
		_ = f.Close()
	}

	dropExpired(out)
	return out
}

func dropExpired(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

// atomicWrite replaces path via a temp file and rename.
func atomicWrite(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
