package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "ubysbot/internal/transport"
)

// Config mirrors the logging section of the app config.
type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// A Field adds one key/value pair to a log event. Fields are applied in
// order; a repeated key keeps the last value. The console writer renders
// them as key=value, the file sink keeps them structured.
type Field func(e *zerolog.Event)

func String(k, v string) Field          { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field         { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field     { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field   { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field       { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Time(k string, v time.Time) Field  { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field         { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger is the structured logger handed to every component.
//
// Loggers minted by New stay attached to the Service, so a config reload
// swaps their sinks and level in place. The zero value drops everything.
type Logger struct {
	svc  *Service
	base zerolog.Logger
	ok   bool

	with []Field
}

// Nop returns a logger that discards every event.
func Nop() Logger { return Logger{base: zerolog.Nop(), ok: true} }

// NewConsole returns a standalone console logger for code that runs before
// the log service exists (CLI subcommands, early bootstrap).
func NewConsole(level string) Logger {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"
	zl := zerolog.New(console(os.Stdout)).Level(levelOf(level, LevelInfo)).With().Timestamp().Logger()
	return Logger{base: zl, ok: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.ok && len(l.with) == 0 }

// With returns a copy of the logger with fields attached to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.with = append(append([]Field(nil), l.with...), fields...)
	return cp
}

// Enabled reports whether events at the given level currently pass.
func (l Logger) Enabled(level Level) bool { return level >= l.sink().GetLevel() }

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l Logger) sink() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.live()
	case l.ok:
		return l.base
	default:
		return zerolog.Nop()
	}
}

func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.sink()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// Short caller (file:line), not the full import path.
	if at := callsite(3); at != "" {
		e.Str(zerolog.CallerFieldName, at)
	}
	applyFields(e, l.with)
	applyFields(e, fields)
	e.Msg(msg)
}

func applyFields(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

func callsite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// Service owns the log sinks and rebuilds them whenever the config changes.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	out  *os.File     // open log file, nil while the file sink is off
	root atomic.Value // zerolog.Logger

	sender kit.Adapter
	relay  relayState

	q    chan relayNote
	once sync.Once
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// relayState holds the Telegram sink knobs. Guarded by Service.mu.
type relayState struct {
	chat   int64
	thread int
	lim    *rate.Limiter
	min    Level
}

type relayNote struct {
	to   kit.ChatTarget
	text string
}

// New builds the service and applies cfg right away. The returned Logger
// follows every later Apply.
func New(cfg Config, sender kit.Adapter) (*Service, Logger) {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"

	s := &Service{
		cfg:    cfg,
		sender: sender,
		q:      make(chan relayNote, 256),
	}
	s.relay.thread = cfg.Telegram.ThreadID

	// Usable root from the start, in case Apply fails half-way through.
	s.root.Store(zerolog.New(console(os.Stdout)).Level(levelOf(cfg.Level, LevelInfo)).With().Timestamp().Logger())

	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) live() zerolog.Logger {
	if zl, ok := s.root.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

// SetTelegramTarget points the Telegram sink at a chat. A zero threadID
// keeps the current thread.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.mu.Lock()
	s.relay.chat = chatID
	if threadID != 0 {
		s.relay.thread = threadID
	}
	s.mu.Unlock()
}

// Apply rebuilds sinks and level from cfg. Safe to call while other
// goroutines log; the root logger is swapped atomically.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.relay.min = levelOf(cfg.Telegram.MinLevel, LevelWarn)
	rps := max(1, cfg.Telegram.RatePerSec)
	s.relay.lim = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Telegram.ThreadID != 0 {
		s.relay.thread = cfg.Telegram.ThreadID
	}

	if s.out != nil {
		_ = s.out.Close()
		s.out = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, console(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./ubysbot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: cannot open log file %q: %v\n", path, err)
		} else {
			s.out = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		s.once.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.stop = cancel
			s.wg.Add(1)
			go s.relayLoop(ctx)
		})
		sinks = append(sinks, &relaySink{svc: s})
		if s.relay.chat == 0 {
			fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but telegram.group_log is not set")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, console(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(levelOf(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.out
	s.out = nil
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.wg.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

func console(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	// Callers are already "file.go:12"; keep them as-is.
	cw.FormatCaller = func(v any) string {
		s, _ := v.(string)
		return s
	}
	return cw
}

func (s *Service) relayLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.q:
			if s.sender == nil {
				continue
			}
			_, _ = s.sender.SendText(ctx, n.to, n.text, &kit.SendOptions{DisablePreview: true})
		}
	}
}

// relaySink forwards log lines to Telegram. It never blocks logging:
// below-min, over-rate and over-quota lines are dropped.
type relaySink struct{ svc *Service }

func (w *relaySink) Write(p []byte) (int, error) {
	// zerolog calls WriteLevel; plain Write only happens for raw writes.
	return w.WriteLevel(LevelInfo, p)
}

func (w *relaySink) WriteLevel(level Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}
	s.mu.Lock()
	r := s.relay
	s.mu.Unlock()

	if r.chat == 0 || s.sender == nil || r.lim == nil || level < r.min || !r.lim.Allow() {
		return len(p), nil
	}
	text := relayLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case s.q <- relayNote{to: kit.ChatTarget{ChatID: r.chat, ThreadID: r.thread}, text: text}:
	default:
	}
	return len(p), nil
}

// relayLine turns one zerolog JSON line into a readable Telegram message:
// "[LEVEL] message" followed by one "- key=value" line per field, keys
// sorted. Non-JSON input is passed through trimmed.
func relayLine(p []byte) string {
	const capTotal = 3500

	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(strings.TrimSpace(string(p)), capTotal)
	}

	msg, _ := m["message"].(string)
	if msg == "" {
		msg, _ = m["msg"].(string)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "msg":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(clip(v, 900))
			continue
		}
		b.WriteString("\n- " + k + "=" + clip(v, 600))
	}
	return clip(b.String(), capTotal)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func levelOf(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return def
	}
}
