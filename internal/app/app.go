package app

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"ubysbot/internal/eventbus"
	"ubysbot/internal/monitor"
	"ubysbot/internal/notifier"
	"ubysbot/internal/observability/pprof"
	"ubysbot/internal/storage"
	"ubysbot/internal/task/engine"
	"ubysbot/internal/task/scheduler"
	kit "ubysbot/internal/transport"
	telegram "ubysbot/internal/transport/telegram/adapter"
	logx "ubysbot/pkg/logx"
)

// App wires the config manager, the Telegram transport, the poll pipeline
// and the delivery services into one supervised unit.
type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	mon     *monitor.Service
	pprof   *pprof.Service

	cmds *CommandManager
	svcs *Services

	inbox     chan kit.Update
	startedAt time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := bootstrapLogging(cfg, ad)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage is optional. Snapshots, audit trail and the notifier dedup
	// index all live here; without it the monitor runs memory-only.
	var store storage.Store
	if st, enabled, err := OpenStore(cfg, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	} else if enabled {
		store = st
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	schedSvc := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, engineSvc, log.With(logx.String("comp", "scheduler")), bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, store)

	monSvc := monitor.New(monitor.FromConfig(cfg), schedSvc, notifSvc, store,
		log.With(logx.String("comp", "monitor")), bus)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	svcs := &Services{
		Scheduler:          schedSvc,
		Notifier:           notifSvc,
		Monitor:            monSvc,
		RuntimeSupervisors: NewSupervisorRegistry(),
	}

	cmds := NewCommandManager(log.With(logx.String("comp", "commands")),
		ad, cfgm, svcs, cfg.Telegram.OwnerUserIDs)

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		engine:    engineSvc,
		sched:     schedSvc,
		notif:     notifSvc,
		mon:       monSvc,
		pprof:     pprofSvc,
		cmds:      cmds,
		svcs:      svcs,
		inbox:     make(chan kit.Update, 256),
		startedAt: time.Now(),
	}
	cmds.SetRegistry(append(a.commands(), monSvc.Commands()...), nil)
	return a, nil
}

// bootstrapLogging brings the log pipeline up in two phases. logx.New
// applies its config immediately, and applying a Telegram sink before its
// target chat is known logs a spurious warning; so the first Apply runs
// with the sink off, the target is set, and only then does the real
// config land.
func bootstrapLogging(cfg *Config, ad kit.Adapter) (*logx.Service, logx.Logger) {
	want := logConfigFrom(cfg)
	muted := want
	muted.Telegram.Enabled = false

	svc, log := logx.New(muted, ad)
	if chatID, ok := logChatID(cfg.Telegram.GroupLog); ok {
		svc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	svc.Apply(want)
	return svc, log
}

func logConfigFrom(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func logChatID(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}

// Monitor exposes the grade monitor for one-shot CLI use.
func (a *App) Monitor() *monitor.Service { return a.mon }

// Done is closed once the run context is canceled, whether by Stop or by
// a fatal supervised error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error the supervisor saw, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.startedAt = time.Now()
	a.svcs.AppSupervisor = a.sup

	// Reloads are transactional: a candidate config that fails validation
	// is never committed or published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateConfig)

	if err := a.adapter.Start(a.sup.Context(), a.inbox); err != nil {
		return err
	}
	if sp, ok := a.adapter.(interface{ Supervisor() *Supervisor }); ok {
		a.expose("telegram.adapter", sp.Supervisor())
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
		a.expose("notifier", a.notif.Supervisor())
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
		a.expose("task.engine", a.engine.Supervisor())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	// Monitor last: its Start registers poll schedules on the scheduler.
	a.mon.Start(a.sup.Context())

	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
		a.expose("pprof", a.pprof.Supervisor())
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.inbox)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.traceEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// expose registers a subsystem supervisor so /health can show it.
func (a *App) expose(name string, sup *Supervisor) {
	if sup != nil {
		a.svcs.RuntimeSupervisors.Set(name, sup)
	}
}

// traceEvents mirrors bus traffic into the debug log. Polls fire often,
// so this stays below info level.
func (a *App) traceEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// validateConfig is the reload gate: everything a hot reload could break
// gets checked here before the new config is published to subscribers.
func (a *App) validateConfig(_ context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}

	// Poller knobs, rejected before they ever reach the monitor.
	for _, field := range []struct{ name, raw string }{
		{"monitor.interval", cfg.Monitor.Interval},
		{"monitor.timeout", cfg.Monitor.Timeout},
		{"monitor.session_ttl", cfg.Monitor.SessionTTL},
	} {
		if _, err := parseDurationField(field.name, field.raw); err != nil {
			return err
		}
	}
	if cfg.Monitor.Parallel < 0 {
		return fmt.Errorf("monitor.parallel must be >= 0")
	}
	for i, acct := range cfg.Monitor.Accounts {
		if err := validateAccountSchedule(i, acct.Schedule); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if err := validateDigestSpec(cfg.Scheduler.Digest); err != nil {
		return err
	}

	// The section mappers double as validators.
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

// reloadLoop consumes published configs and applies them live. Bursts are
// coalesced so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *Config) {
	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			next = drainNewest(sub, next)
			a.applyConfig(ctx, applied, next)
			applied = next
		}
	}
}

func drainNewest(sub chan *Config, cur *Config) *Config {
	for {
		select {
		case c := <-sub:
			if c != nil {
				cur = c
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	sections, attrs, changedAccounts := SummarizeConfigChange(prev, next)
	diff := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
	} else {
		a.log.Debug("config change summary", diff...)
		if len(changedAccounts) > 0 {
			a.log.Debug("account config changes detected", logx.Any("accounts", changedAccounts))
		}
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	// Move the log target before the sink config, so enabling the
	// Telegram sink never fires against a stale chat.
	if chatID, ok := logChatID(next.Telegram.GroupLog); ok {
		a.logs.SetTelegramTarget(chatID, next.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(logConfigFrom(next))

	a.cmds.SetOwners(next.Telegram.OwnerUserIDs)

	a.applyExecConfig(ctx, next)

	// Monitor applies accounts, intervals, survey policy and digest live;
	// it re-registers schedules and keeps state for unchanged accounts.
	a.mon.Apply(monitor.FromConfig(next))

	a.applyNotifierConfig(ctx, next)

	if ppc, err := mapPprofConfig(next); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	if len(sections) > 0 {
		a.log.Info("config reloaded", diff...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

// applyExecConfig hot-applies the scheduler and task engine sections,
// starting or stopping either service when its enabled flag flips.
// Ordering: on the way down the scheduler stops first so no new work is
// queued into a dying engine; on the way up the engine starts first so
// triggers always have an executor.
func (a *App) applyExecConfig(ctx context.Context, next *Config) {
	schedWas := a.sched.Enabled()
	engWas := a.engine.Enabled()

	engCfg, engErr := mapTaskEngineConfig(next)
	if engErr != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Any("err", engErr))
	} else {
		a.engine.Apply(ctx, engCfg)
	}
	a.sched.Apply(scheduler.Config{
		Enabled:  next.Scheduler.Enabled,
		Timezone: next.Scheduler.Timezone,
	})

	schedNow := next.Scheduler.Enabled
	engNow := engWas
	if engErr == nil {
		engNow = engCfg.Enabled
	}

	if schedWas && !schedNow {
		a.log.Info("scheduler disabled via config")
		a.stopWithin(ctx, 3*time.Second, a.sched.Stop)
	}
	if engWas && !engNow {
		a.log.Info("task engine disabled via config")
		a.stopWithin(ctx, 3*time.Second, a.engine.Stop)
	}
	if !engWas && engNow {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !schedWas && schedNow {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}

func (a *App) applyNotifierConfig(ctx context.Context, next *Config) {
	was := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Any("err", err))
		return
	}
	a.notif.Apply(ncfg)
	switch {
	case was && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		a.stopWithin(ctx, 3*time.Second, a.notif.Stop)
	case !was && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

func (a *App) stopWithin(ctx context.Context, limit time.Duration, stop func(context.Context)) {
	sc, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	stop(sc)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops unwind while the
	// ordered shutdown below runs.
	a.sup.Cancel()

	// Order: the monitor drops its schedules first, then the trigger and
	// execution layers, then the outbound path, storage last.
	a.stopStep(ctx, "monitor", 2*time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	a.stopStep(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.stopStep(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.stopStep(ctx, "pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	a.stopStep(ctx, "notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.stopStep(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.stopStep(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Last, wait out the supervised goroutines (config watch, dispatcher).
	a.stopStep(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// stopStep runs one shutdown step under a per-step deadline so a single
// stuck component cannot stall the whole stop. The caller's deadline is
// respected and never extended.
func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	began := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	stepCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
		}
		took := time.Since(began)
		lvl := a.log.Debug
		if took >= 500*time.Millisecond {
			lvl = a.log.Info
		}
		lvl("stop step end", logx.String("name", name), logx.Duration("took", took))
	case <-stepCtx.Done():
		// fn is expected to honor stepCtx; a step that outlives its
		// deadline is a leak signal worth tracking to completion.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.String("err", stepCtx.Err().Error()),
			logx.Duration("elapsed", time.Since(began)))
		go func() {
			err := <-done
			took := time.Since(began)
			if err != nil {
				a.log.Warn("stop step finished after deadline",
					logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				return
			}
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Duration("took", took))
		}()
	}
}

var (
	// specParser mirrors the scheduler's parser options so a spec that
	// passes validation here always registers there.
	specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	reDigestAt = regexp.MustCompile(`^\d{1,2}:\d{2}$`)
)

// validateDigestSpec accepts "HH:MM", a cron expression, or empty
// (disabled). Same grammar the monitor uses when registering the digest.
func validateDigestSpec(raw string) error {
	spec := strings.TrimSpace(raw)
	if spec == "" {
		return nil
	}
	if reDigestAt.MatchString(spec) {
		hh, mm, _ := strings.Cut(spec, ":")
		h, _ := strconv.Atoi(hh)
		m, _ := strconv.Atoi(mm)
		if h > 23 || m > 59 {
			return fmt.Errorf("scheduler.digest: invalid time %q, expected HH:MM", spec)
		}
		return nil
	}
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler.digest: invalid %q: %w", spec, err)
	}
	return nil
}

// validateAccountSchedule checks a per-account poll schedule override.
// Note the HH:MM form means an interval here (original settings grammar),
// not a time of day; the digest keeps the time-of-day reading.
func validateAccountSchedule(idx int, raw string) error {
	spec := strings.TrimSpace(raw)
	if spec == "" {
		return nil
	}
	ps, err := scheduler.ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("monitor.accounts[%d].schedule: %w", idx, err)
	}
	if ps.Kind == scheduler.SpecCron {
		if _, err := specParser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("monitor.accounts[%d].schedule: invalid cron %q: %w", idx, ps.Cron, err)
		}
	}
	return nil
}
