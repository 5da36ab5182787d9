package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"ubysbot/internal/config"
	"ubysbot/internal/grades"
)

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot.log")
	data := ""
	if len(lines) > 0 {
		data = strings.Join(lines, "\n") + "\n"
	}
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestPrintTail(t *testing.T) {
	t.Parallel()

	t.Run("last n lines", func(t *testing.T) {
		t.Parallel()
		path := writeLog(t, "one", "two", "three", "four")
		var b strings.Builder
		offset, err := printTail(&b, path, 2)
		if err != nil {
			t.Fatalf("printTail error: %v", err)
		}
		if got, want := b.String(), "three\nfour\n"; got != want {
			t.Fatalf("output = %q, want %q", got, want)
		}
		fi, _ := os.Stat(path)
		if offset != fi.Size() {
			t.Fatalf("offset = %d, want file size %d", offset, fi.Size())
		}
	})

	t.Run("n larger than file", func(t *testing.T) {
		t.Parallel()
		path := writeLog(t, "only")
		var b strings.Builder
		if _, err := printTail(&b, path, 50); err != nil {
			t.Fatalf("printTail error: %v", err)
		}
		if got, want := b.String(), "only\n"; got != want {
			t.Fatalf("output = %q, want %q", got, want)
		}
	})

	t.Run("empty file", func(t *testing.T) {
		t.Parallel()
		path := writeLog(t)
		var b strings.Builder
		offset, err := printTail(&b, path, 10)
		if err != nil {
			t.Fatalf("printTail error: %v", err)
		}
		if b.String() != "" || offset != 0 {
			t.Fatalf("output = %q offset = %d, want empty and 0", b.String(), offset)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		var b strings.Builder
		if _, err := printTail(&b, filepath.Join(t.TempDir(), "gone.log"), 10); err == nil {
			t.Fatal("expected error for missing file")
		}
	})
}

func TestDumpFrom(t *testing.T) {
	t.Parallel()

	t.Run("appends only", func(t *testing.T) {
		t.Parallel()
		path := writeLog(t, "old line")
		fi, _ := os.Stat(path)
		offset := fi.Size()

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
		if err != nil {
			t.Fatalf("open append: %v", err)
		}
		fmt.Fprintln(f, "new line")
		f.Close()

		var b strings.Builder
		got, err := dumpFrom(&b, path, offset)
		if err != nil {
			t.Fatalf("dumpFrom error: %v", err)
		}
		if b.String() != "new line\n" {
			t.Fatalf("output = %q, want %q", b.String(), "new line\n")
		}
		fi, _ = os.Stat(path)
		if got != fi.Size() {
			t.Fatalf("offset = %d, want %d", got, fi.Size())
		}
	})

	t.Run("truncation restarts from zero", func(t *testing.T) {
		t.Parallel()
		path := writeLog(t, "short")
		var b strings.Builder
		got, err := dumpFrom(&b, path, 10_000)
		if err != nil {
			t.Fatalf("dumpFrom error: %v", err)
		}
		if b.String() != "short\n" {
			t.Fatalf("output = %q, want %q", b.String(), "short\n")
		}
		if want := int64(len("short\n")); got != want {
			t.Fatalf("offset = %d, want %d", got, want)
		}
	})
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestStreamAppends(t *testing.T) {
	path := writeLog(t, "old line")
	abs, err := filepath.Abs(path)
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		t.Fatalf("watch dir: %v", err)
	}

	var out syncBuffer
	stop := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- streamAppends(&out, watcher, abs, fi.Size(), stop) }()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	fmt.Fprintln(f, "new line")
	f.Close()

	// Only the appended content may land on the output writer.
	deadline := time.Now().Add(5 * time.Second)
	for out.String() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := out.String(); got != "new line\n" {
		t.Fatalf("streamed output = %q, want %q", got, "new line\n")
	}

	stop <- os.Interrupt
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("streamAppends error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("streamAppends did not return after stop")
	}
}

func TestSelectAccounts(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Monitor.Accounts = []config.Account{
		{Name: "alice", Enabled: true},
		{Name: "bob", Enabled: false},
		{Name: "carol", Enabled: true},
	}

	t.Run("all skips disabled", func(t *testing.T) {
		t.Parallel()
		got, err := selectAccounts(cfg, "")
		if err != nil {
			t.Fatalf("selectAccounts error: %v", err)
		}
		if len(got) != 2 || got[0].Name != "alice" || got[1].Name != "carol" {
			t.Fatalf("unexpected selection: %+v", got)
		}
	})

	t.Run("named ignores enabled flag", func(t *testing.T) {
		t.Parallel()
		got, err := selectAccounts(cfg, "BOB")
		if err != nil {
			t.Fatalf("selectAccounts error: %v", err)
		}
		if len(got) != 1 || got[0].Name != "bob" {
			t.Fatalf("unexpected selection: %+v", got)
		}
	})

	t.Run("unknown name", func(t *testing.T) {
		t.Parallel()
		if _, err := selectAccounts(cfg, "mallory"); err == nil {
			t.Fatal("expected error for unknown account")
		}
	})

	t.Run("nothing enabled", func(t *testing.T) {
		t.Parallel()
		empty := &config.Config{}
		empty.Monitor.Accounts = []config.Account{{Name: "off", Enabled: false}}
		if _, err := selectAccounts(empty, ""); err == nil {
			t.Fatal("expected error when no account is enabled")
		}
	})
}

func TestPrintCheckResult(t *testing.T) {
	t.Parallel()
	current := []grades.Course{
		{Name: "Calculus I", Exams: []grades.Exam{
			{Label: "Midterm", Score: "85"},
			{Label: "Final", Score: ""},
		}},
		{Name: "Physics II", Exams: []grades.Exam{
			{Label: "Midterm", Score: "70"},
		}},
	}

	t.Run("baseline lists everything", func(t *testing.T) {
		t.Parallel()
		var b strings.Builder
		printCheckResult(&b, "alice", current, nil, false)
		out := b.String()
		if !strings.Contains(out, "alice: 2 courses, 3 entries") {
			t.Fatalf("missing summary line:\n%s", out)
		}
		if !strings.Contains(out, "Calculus I") || !strings.Contains(out, "Final: -") {
			t.Fatalf("missing course/placeholder rendering:\n%s", out)
		}
	})

	t.Run("no changes", func(t *testing.T) {
		t.Parallel()
		var b strings.Builder
		printCheckResult(&b, "alice", current, current, true)
		if !strings.Contains(b.String(), "no changes since last snapshot") {
			t.Fatalf("expected no-changes line:\n%s", b.String())
		}
	})

	t.Run("diff buckets", func(t *testing.T) {
		t.Parallel()
		prev := []grades.Course{
			{Name: "Physics II", Exams: []grades.Exam{
				{Label: "Midterm", Score: ""},
			}},
			{Name: "Chemistry", Exams: []grades.Exam{
				{Label: "Quiz", Score: "50"},
			}},
		}
		var b strings.Builder
		printCheckResult(&b, "alice", current, prev, true)
		out := b.String()
		for _, want := range []string{
			"new    Calculus I",
			"update Physics II",
			"Midterm: - -> 70",
			"gone   Chemistry",
		} {
			if !strings.Contains(out, want) {
				t.Fatalf("missing %q in:\n%s", want, out)
			}
		}
	})
}

func TestDisplayScore(t *testing.T) {
	t.Parallel()
	if got := displayScore("  "); got != "-" {
		t.Fatalf("displayScore(blank) = %q, want -", got)
	}
	if got := displayScore("92"); got != "92" {
		t.Fatalf("displayScore(92) = %q", got)
	}
}
