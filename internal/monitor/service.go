package monitor

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ubysbot/internal/eventbus"
	"ubysbot/internal/grades"
	"ubysbot/internal/portal"
	"ubysbot/internal/storage"
	"ubysbot/internal/task/scheduler"
	logx "ubysbot/pkg/logx"
)

// Service polls every account's grades page on a schedule, diffs the parsed
// courses against the last snapshot and pushes alerts through the notifier.
//
// Execution runs on the task engine via the scheduler: overlap suppression,
// retry with backoff and the per-account circuit breaker all live there.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	sched Scheduler
	notif Notifier
	store storage.Store

	mu         sync.Mutex
	cfg        Config
	started    bool
	paused     bool
	limiter    *rate.Limiter
	states     map[string]*accountState
	order      []string
	schedNames []string
}

// accountState is everything the monitor tracks for one account between
// polls. It has its own mutex so concurrent polls of different accounts
// don't serialize on the service lock.
type accountState struct {
	mu         sync.Mutex
	acct       Account
	client     *portal.Client
	initErr    string
	lastPoll   time.Time
	lastChange time.Time
	lastErr    string
	errStreak  int
	courses    int
	exams      int
	lastSeen   []grades.Course
	haveSeen   bool
}

func New(cfg Config, sched Scheduler, notif Notifier, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		bus:    bus,
		sched:  sched,
		notif:  notif,
		store:  store,
		states: map[string]*accountState{},
	}
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps in new settings. Poll schedules are re-registered when the
// service is running; account state survives for accounts whose identity
// did not change.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	accounts := len(s.order)
	interval := s.cfg.Interval
	s.mu.Unlock()
	s.log.Info("monitor config applied",
		logx.Int("accounts", accounts),
		logx.Duration("interval", interval),
	)
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(portalRatePerSec), portalBurst)
	}

	prev := s.states
	states := make(map[string]*accountState, len(cfg.Accounts))
	order := make([]string, 0, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		name := strings.TrimSpace(acct.Name)
		if name == "" {
			continue
		}
		if _, dup := states[name]; dup {
			s.log.Warn("duplicate account name in config", logx.String("account", name))
			continue
		}
		acct.Name = name
		order = append(order, name)

		st := prev[name]
		if st == nil {
			st = &accountState{}
		}
		st.mu.Lock()
		oldAcct := st.acct
		hadClient := st.client != nil
		st.acct = acct
		st.mu.Unlock()

		rebuild := !hadClient ||
			oldAcct.Username != acct.Username ||
			oldAcct.Password != acct.Password ||
			oldAcct.GradesURL != acct.GradesURL ||
			s.cfg.BaseURL != cfg.BaseURL ||
			s.cfg.Timeout != cfg.Timeout ||
			s.cfg.SessionTTL != cfg.SessionTTL
		if rebuild {
			client, err := s.buildClient(acct, cfg)
			st.mu.Lock()
			if err != nil {
				st.client = nil
				st.initErr = err.Error()
			} else {
				st.client = client
				st.initErr = ""
			}
			st.mu.Unlock()
			if err != nil {
				s.log.Error("portal client unavailable",
					logx.String("account", name),
					logx.Err(err),
				)
			}
		}
		states[name] = st
	}

	s.cfg = cfg
	s.states = states
	s.order = order
	if s.started {
		s.registerSchedulesLocked()
	}
}

func (s *Service) buildClient(acct Account, cfg Config) (*portal.Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		derived, err := portal.BaseFromURL(acct.GradesURL)
		if err != nil {
			return nil, err
		}
		base = derived
	}
	return portal.New(
		portal.Credentials{Username: acct.Username, Password: acct.Password},
		portal.Config{
			BaseURL:    base,
			Timeout:    cfg.Timeout,
			SessionTTL: cfg.SessionTTL,
			Limiter:    s.limiter,
		},
		s.log.With(logx.String("account", acct.Name)),
	)
}

// Start registers the poll schedules. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	if !s.cfg.Enabled {
		s.log.Info("monitor disabled")
		return
	}
	s.registerSchedulesLocked()
	s.log.Info("monitor started",
		logx.Int("accounts", len(s.order)),
		logx.Duration("interval", s.cfg.Interval),
		logx.Bool("survey_auto", s.cfg.Survey.AutoComplete),
	)
}

// Stop removes the poll schedules. In-flight polls finish on the engine.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	s.removeSchedulesLocked()
	s.log.Info("monitor stopped")
}

var reDailyAt = regexp.MustCompile(`^\s*\d{1,2}:\d{2}\s*$`)

func (s *Service) removeSchedulesLocked() {
	if s.sched == nil {
		return
	}
	for _, name := range s.schedNames {
		s.sched.Remove(name)
	}
	s.schedNames = s.schedNames[:0]
}

func (s *Service) registerSchedulesLocked() {
	if s.sched == nil {
		return
	}
	s.removeSchedulesLocked()
	if !s.cfg.Enabled {
		return
	}

	timeout := pollTaskTimeout(s.cfg.Timeout)
	opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning}
	for _, acct := range s.cfg.Accounts {
		if !acct.Enabled {
			continue
		}
		name := acct.Name
		schedName := schedulePrefix + name
		job := func(ctx context.Context) error {
			return s.runScheduled(ctx, name)
		}

		// Per-account schedule override: cron or interval. A bad override
		// was rejected at config validation; if one slips through (direct
		// file edit mid-run), fall back to the shared interval.
		every := s.cfg.Interval
		cronSpec := ""
		if raw := strings.TrimSpace(acct.Schedule); raw != "" {
			ps, err := scheduler.ParseSchedule(raw)
			switch {
			case err != nil:
				s.log.Warn("invalid account schedule; using shared interval",
					logx.String("account", name),
					logx.String("schedule", raw),
					logx.Err(err),
				)
			case ps.Kind == scheduler.SpecCron:
				cronSpec = ps.Cron
			default:
				every = ps.Every
			}
		}

		var err error
		if cronSpec != "" {
			_, err = s.sched.AddCronOpt(schedName, cronSpec, timeout, opt, job)
		} else {
			_, err = s.sched.AddIntervalOpt(schedName, every, timeout, opt, job)
		}
		if err != nil {
			s.log.Error("register poll schedule failed",
				logx.String("schedule", schedName),
				logx.Err(err),
			)
			continue
		}
		s.schedNames = append(s.schedNames, schedName)
	}

	if spec := strings.TrimSpace(s.cfg.Digest); spec != "" {
		var err error
		if reDailyAt.MatchString(spec) {
			_, err = s.sched.AddDaily(digestSchedule, spec, time.Minute, s.runDigest)
		} else {
			_, err = s.sched.AddCronOpt(digestSchedule, spec, time.Minute, opt, s.runDigest)
		}
		if err != nil {
			s.log.Error("register digest schedule failed",
				logx.String("spec", spec),
				logx.Err(err),
			)
		} else {
			s.schedNames = append(s.schedNames, digestSchedule)
		}
	}
}

// Pause suspends scheduled polls without touching the schedules; ticks are
// skipped until Resume. Reports whether the state changed.
func (s *Service) Pause() bool {
	s.mu.Lock()
	changed := !s.paused
	s.paused = true
	s.mu.Unlock()
	if changed {
		s.log.Info("monitor paused")
		s.publish("monitor.paused", StateEvent{Paused: true, At: time.Now()})
	}
	return changed
}

// Resume re-enables scheduled polls. Reports whether the state changed.
func (s *Service) Resume() bool {
	s.mu.Lock()
	changed := s.paused
	s.paused = false
	s.mu.Unlock()
	if changed {
		s.log.Info("monitor resumed")
		s.publish("monitor.resumed", StateEvent{Paused: false, At: time.Now()})
	}
	return changed
}

func (s *Service) Paused() bool {
	s.mu.Lock()
	p := s.paused
	s.mu.Unlock()
	return p
}

func (s *Service) stateFor(name string) *accountState {
	s.mu.Lock()
	st := s.states[name]
	s.mu.Unlock()
	return st
}

func (s *Service) configSnapshot() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
