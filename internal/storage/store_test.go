package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	logx "ubysbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	out["file"] = fs

	ss, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "store.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	out["sqlite"] = ss
	return out
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = (%v, %v), want (nil, nil)", st, err)
	}
	st, err = Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = (%v, %v), want (nil, nil)", st, err)
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			if _, ok, err := st.GetSnapshot(ctx, "alice"); err != nil || ok {
				t.Fatalf("GetSnapshot(miss) = ok=%v err=%v, want miss", ok, err)
			}

			courses := json.RawMessage(`[{"name":"Algorithms","exams":[{"label":"Midterm","score":"85"}]}]`)
			rec := SnapshotRecord{Account: "alice", TakenAt: time.Now().Round(time.Millisecond), Courses: courses}
			if err := st.PutSnapshot(ctx, rec); err != nil {
				t.Fatalf("PutSnapshot error: %v", err)
			}

			got, ok, err := st.GetSnapshot(ctx, "alice")
			if err != nil || !ok {
				t.Fatalf("GetSnapshot = ok=%v err=%v, want hit", ok, err)
			}
			if got.Account != "alice" {
				t.Fatalf("Account = %q", got.Account)
			}
			var decoded []map[string]any
			if err := json.Unmarshal(got.Courses, &decoded); err != nil {
				t.Fatalf("Courses payload corrupt: %v", err)
			}
			if len(decoded) != 1 || decoded[0]["name"] != "Algorithms" {
				t.Fatalf("unexpected courses payload: %s", got.Courses)
			}

			// Overwrite wins.
			rec.Courses = json.RawMessage(`[]`)
			if err := st.PutSnapshot(ctx, rec); err != nil {
				t.Fatalf("PutSnapshot(overwrite) error: %v", err)
			}
			got, _, _ = st.GetSnapshot(ctx, "alice")
			if string(got.Courses) != "[]" {
				t.Fatalf("Courses after overwrite = %s, want []", got.Courses)
			}

			// Second account + listing order.
			if err := st.PutSnapshot(ctx, SnapshotRecord{Account: "bob", Courses: json.RawMessage(`[]`)}); err != nil {
				t.Fatalf("PutSnapshot(bob) error: %v", err)
			}
			all, err := st.ListSnapshots(ctx)
			if err != nil {
				t.Fatalf("ListSnapshots error: %v", err)
			}
			if len(all) != 2 || all[0].Account != "alice" || all[1].Account != "bob" {
				t.Fatalf("unexpected listing: %+v", all)
			}
		})
	}
}

func TestAuditAppend(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			err := st.AppendAudit(context.Background(), AuditEntry{
				Account:   "alice",
				Component: "monitor",
				Action:    "poll",
				OK:        1,
				TookMS:    1234,
			})
			if err != nil {
				t.Fatalf("AppendAudit error: %v", err)
			}
		})
	}
}

func TestDedupRoundTrip(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()
			until := time.Now().Add(time.Minute)

			if err := st.PutDedup(ctx, "k1", until); err != nil {
				t.Fatalf("PutDedup error: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "k1")
			if err != nil || !ok {
				t.Fatalf("GetDedup = ok=%v err=%v, want hit", ok, err)
			}
			if got.UnixMilli() != until.UnixMilli() {
				t.Fatalf("until = %v, want %v", got, until)
			}

			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatal("GetDedup(missing) should miss")
			}
			// Empty keys are ignored.
			if err := st.PutDedup(ctx, "  ", until); err != nil {
				t.Fatalf("PutDedup(empty) error: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "store")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	until := time.Now().Add(time.Hour)
	if err := st.PutDedup(ctx, "persist", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.PutSnapshot(ctx, SnapshotRecord{Account: "alice", Courses: json.RawMessage(`[]`)}); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if _, ok, _ := st2.GetDedup(ctx, "persist"); !ok {
		t.Fatal("dedup entry lost across reopen")
	}
	if _, ok, _ := st2.GetSnapshot(ctx, "alice"); !ok {
		t.Fatal("snapshot lost across reopen")
	}
}
