package pprof

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "ubysbot/pkg/logx"
)

func waitReachable(ctx context.Context, url string) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func TestStartStopLoopback(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Start(ctx)

	// The listener address is only known once serve() has bound.
	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if s.ln != nil {
			addr = s.ln.Addr().String()
		}
		s.mu.Unlock()
		if addr != "" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("listener never bound")
	}
	if err := waitReachable(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	s.Stop(ctx)
	s.mu.Lock()
	stopped := s.sup == nil && s.srv == nil
	s.mu.Unlock()
	if !stopped {
		t.Fatal("expected listener state cleared after Stop")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	err := s.serve(context.Background())
	if err == nil {
		t.Fatal("expected refusal for non-loopback bind without token")
	}
}

func TestRequireToken(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	h := requireToken("s3cret", ok)

	cases := []struct {
		name   string
		url    string
		header string
		want   int
	}{
		{"no auth", "/x", "", http.StatusUnauthorized},
		{"query ok", "/x?token=s3cret", "", http.StatusOK},
		{"query bad", "/x?token=wrong", "", http.StatusUnauthorized},
		{"bearer ok", "/x", "Bearer s3cret", http.StatusOK},
		{"bearer bad", "/x", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.url, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}

	// Empty token means no gate at all.
	open := requireToken("", ok)
	rec := httptest.NewRecorder()
	open(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("empty token: status = %d, want 200", rec.Code)
	}
}

func TestNormalizePrefix(t *testing.T) {
	cases := map[string]string{
		"":              "/debug/pprof/",
		"/debug/pprof":  "/debug/pprof/",
		"profiling":     "/profiling/",
		"/internal/pp/": "/internal/pp/",
	}
	for in, want := range cases {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoopback(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		":6060":          false,
		"no-port":        false,
	}
	for addr, want := range cases {
		if got := loopback(addr); got != want {
			t.Errorf("loopback(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestIndexHandlerRewritesPrefix(t *testing.T) {
	h := indexHandler("/profiling/")
	req := httptest.NewRequest(http.MethodGet, "/profiling/", nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("index status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) == 0 {
		t.Fatal("expected pprof index body")
	}
}
