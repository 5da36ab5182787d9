package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"ubysbot/internal/eventbus"
	rtsup "ubysbot/internal/runtime/supervisor"
	"ubysbot/internal/storage"
	kit "ubysbot/internal/transport"
	logx "ubysbot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// envelope is a queued notification with its dedup key precomputed at
// enqueue time so workers never hash.
type envelope struct {
	note kit.Notification
	key  string
}

type keyRecord struct {
	key   string
	until time.Time
}

// Service delivers grade alerts asynchronously: a bounded queue feeds a
// small worker pool that rate-limits, retries and dedups against Telegram.
//
// Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   storage.Store

	cfg     Config
	limiter *rate.Limiter

	open     bool
	intakeWG sync.WaitGroup

	queue    chan envelope
	sup      *rtsup.Supervisor
	stopping chan struct{} // non-nil while a Stop is draining

	// suppress-until by dedup key
	dmu      sync.Mutex
	suppress map[string]time.Time

	// best-effort persistent dedup writes
	dedupCh chan keyRecord

	// sent history backing /status
	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter:  adapter,
		log:      log,
		bus:      bus,
		store:    store,
		suppress: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor exposes the worker supervisor for /health. Nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func normalize(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return cfg
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = normalize(cfg)
	// Burst equals the per-second rate, so a burst of changed grades goes
	// out quickly without tripping Telegram's flood control.
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

// Start is idempotent; if a Stop is still draining it waits for that first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan envelope, s.cfg.QueueSize)
	s.open = true
	workers := s.cfg.Workers

	if s.cfg.PersistDedup && s.store != nil {
		s.dedupCh = make(chan keyRecord, 1024)
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// delivery is best-effort; a worker crash must not stop polling
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	dch := s.dedupCh
	st := s.store
	s.mu.Unlock()

	exitErr := func(c context.Context, what string) error {
		s.mu.Lock()
		draining := s.stopping != nil
		s.mu.Unlock()
		if draining || c.Err() != nil {
			return context.Canceled
		}
		return errors.New(what + " exited unexpectedly")
	}

	if dch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.flushDedup(c, dch, st)
			return exitErr(c, "notifier persist loop")
		}, rtsup.WithPublishFirstError(true))
	}

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.drain(c, q)
			return exitErr(c, "notifier worker")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop closes intake and lets workers drain what is already queued, bounded
// by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	dch := s.dedupCh
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopping = done
	s.open = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight Notify calls must finish before the queue closes.
		s.intakeWG.Wait()
		closeQuiet := func(f func()) {
			defer func() { _ = recover() }()
			f()
		}
		if dch != nil {
			closeQuiet(func() { close(dch) })
		}
		closeQuiet(func() { close(q) })
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.dedupCh = nil
		s.stopping = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify queues one alert. It returns ErrQueueFull instead of blocking so a
// slow Telegram API never stalls the poll pipeline.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.open || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	st := s.store
	dch := s.dedupCh
	s.intakeWG.Add(1)
	s.mu.Unlock()
	defer s.intakeWG.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && key != "" {
		if !s.admit(ctx, key, cfg, st, dch) {
			s.publish("notifier.deduped", n, key, "")
			return nil
		}
	}

	s.publish("notifier.queued", n, key, "")

	select {
	case q <- envelope{note: n, key: key}:
		return nil
	default:
		s.publish("notifier.dropped", n, key, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, n kit.Notification, key, errStr string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: NotificationEvent{
		Channel:  n.Channel,
		ChatID:   n.Target.ChatID,
		ThreadID: n.Target.ThreadID,
		Key:      key,
		At:       now,
		Error:    errStr,
	}})
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) recordSent(channel, text string, max int) {
	if max <= 0 {
		max = 200
	}
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: channel, Text: text})
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

func (s *Service) flushDedup(ctx context.Context, ch <-chan keyRecord, st storage.Store) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ch == nil || st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(cctx, rec.key, rec.until)
			cancel()
		}
	}
}

func (s *Service) drain(ctx context.Context, q <-chan envelope) {
	if ctx == nil {
		ctx = context.Background()
	}
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, env)
		}
	}
}

func (s *Service) deliver(ctx context.Context, env envelope) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	log := s.log
	s.mu.Unlock()

	if ad == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	text := severityTag(env.note.Priority) + env.note.Text
	if text == "" {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		// Bounded per send so a stuck API call can't wedge the worker.
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := ad.SendText(callCtx, env.note.Target, text, env.note.Options)
		cancel()
		if err == nil {
			s.recordSent(env.note.Channel, text, cfg.HistorySize)
			s.publish("notifier.sent", env.note, env.key, "")
			return
		}
		lastErr = err
		log.Debug("notify send failed", logx.Any("err", err), logx.Int("attempt", attempt), logx.Int("max", attempts))

		if attempt >= attempts {
			break
		}
		if d := backoff(cfg, attempt); d > 0 {
			tmr := time.NewTimer(d)
			select {
			case <-tmr.C:
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return
			}
		}
	}

	if lastErr != nil {
		s.publish("notifier.failed", env.note, env.key, lastErr.Error())
	}
}

// severityTag marks the message by priority band (see the Priority constants)
// so the chat shows alert severity at a glance.
func severityTag(p int) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarning:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}

// dedupKey hashes channel, target and text. Two identical alerts for the
// same chat map to the same key; untargeted notifications are never deduped.
func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.Channel))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(fmt.Sprintf("%d:%d:%d|", n.Target.ChatID, n.Target.ThreadID, n.Priority)))
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

// admit reports whether a key may be sent now and, if so, opens a new
// suppression window for it. Checks memory first, then (optionally) the
// store so dedup survives restarts.
func (s *Service) admit(ctx context.Context, key string, cfg Config, st storage.Store, dch chan keyRecord) bool {
	now := time.Now()

	s.dmu.Lock()
	if s.suppress == nil {
		s.suppress = map[string]time.Time{}
	}
	if until, ok := s.suppress[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && st != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.suppress[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.suppress[key] = until
	s.pruneLocked(now, cfg.DedupMaxEntries)
	s.dmu.Unlock()

	if cfg.PersistDedup && st != nil && dch != nil {
		select {
		case dch <- keyRecord{key: key, until: until}:
		default:
		}
	}
	return true
}

// pruneLocked drops expired windows, then evicts earliest-expiring entries
// until the map fits the cap. Caller holds dmu.
func (s *Service) pruneLocked(now time.Time, max int) {
	for k, until := range s.suppress {
		if !now.Before(until) {
			delete(s.suppress, k)
		}
	}
	if max <= 0 {
		return
	}
	for len(s.suppress) > max {
		var (
			oldest string
			at     time.Time
			found  bool
		)
		for k, t := range s.suppress {
			if !found || t.Before(at) {
				oldest, at, found = k, t, true
			}
		}
		if !found {
			return
		}
		delete(s.suppress, oldest)
	}
}

// backoff doubles from RetryBase up to RetryMaxDelay with 0.7..1.3 jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	d = time.Duration(float64(d) * (0.7 + rng.Float64()*0.6))
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		return cfg.RetryMaxDelay
	}
	return d
}
