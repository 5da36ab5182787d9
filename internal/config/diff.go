package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ubysbot/pkg/logx"
)

// changeSet accumulates the sections a reload touched plus log-safe attrs.
type changeSet struct {
	sections []string
	attrs    []logx.Field
}

func (c *changeSet) mark(section string, attrs ...logx.Field) {
	c.sections = append(c.sections, section)
	c.attrs = append(c.attrs, attrs...)
}

// SummarizeConfigChange returns the changed section names (sorted), log-safe
// attributes describing the new values (never credentials or tokens), and
// the names of accounts whose entry was added, removed, edited or toggled.
// Account changes are reported separately so the monitor can re-register
// schedules only for the accounts that moved.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch changeSet

	if telegramChanged(oldCfg, newCfg) {
		ch.mark("telegram",
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.default_chat_set", newCfg.Telegram.DefaultChatID != 0),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		ch.mark("logging",
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if pprofChanged(oldCfg, newCfg) {
		ch.mark("pprof",
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	accounts := changedAccountNames(oldCfg.Monitor.Accounts, newCfg.Monitor.Accounts)
	if monitorChanged(oldCfg, newCfg) || len(accounts) > 0 {
		ch.mark("monitor",
			logx.Bool("monitor.enabled", newCfg.Monitor.Enabled),
			logx.String("monitor.interval", strings.TrimSpace(newCfg.Monitor.Interval)),
			logx.Int("monitor.parallel", newCfg.Monitor.Parallel),
			logx.String("monitor.session_ttl", strings.TrimSpace(newCfg.Monitor.SessionTTL)),
			logx.Bool("monitor.survey_auto", newCfg.Monitor.Survey.AutoComplete),
			logx.Int("monitor.accounts_changed", len(accounts)),
			logx.Int("monitor.accounts_enabled", countEnabledAccounts(newCfg.Monitor.Accounts)),
		)
	}

	if schedulerChanged(oldCfg, newCfg) {
		ch.mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.digest", strings.TrimSpace(newCfg.Scheduler.Digest)),
		)
	}

	if engineChanged(oldCfg, newCfg) {
		te := derefTaskEngine(newCfg.TaskEngine)
		enabledEffective := newCfg.Monitor.Enabled
		enabledSet := false
		if newCfg.TaskEngine != nil && newCfg.TaskEngine.Enabled != nil {
			enabledSet = true
			enabledEffective = *newCfg.TaskEngine.Enabled
		}
		ch.mark("task_engine",
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Bool("task_engine.enabled", enabledEffective),
			logx.Bool("task_engine.enabled_set", enabledSet),
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(te.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(te.MaxQueueDelay)),
			logx.Int("task_engine.history_size", te.HistorySize),
			logx.Int("task_engine.retry_max", te.RetryMax),
			logx.Int("task_engine.cb_threshold", te.CBThreshold),
		)
	}

	if notifierChanged(oldCfg, newCfg) {
		n := orNotifierDefaults(newCfg.Notifier)
		ch.mark("notifier",
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.queue_size", n.QueueSize),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Int("notifier.retry_max", n.RetryMax),
			logx.Bool("notifier.persist_dedup", n.PersistDedup),
		)
	}

	if storageChanged(oldCfg, newCfg) {
		var driver, busy string
		var pathSet bool
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
			busy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
			pathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
		}
		ch.mark("storage",
			logx.String("storage.driver", driver),
			logx.Bool("storage.path_set", pathSet),
			logx.String("storage.busy_timeout", busy),
		)
	}

	sort.Strings(ch.sections)
	return ch.sections, ch.attrs, accounts
}

func eqTrim(a, b string) bool { return strings.TrimSpace(a) == strings.TrimSpace(b) }

// Token rotation alone does not mark telegram changed: the adapter cannot
// swap tokens at runtime, a restart is required anyway.
func telegramChanged(o, n *Config) bool {
	return !eqTrim(o.Telegram.PollTimeout, n.Telegram.PollTimeout) ||
		o.Telegram.DefaultChatID != n.Telegram.DefaultChatID ||
		!reflect.DeepEqual(o.Telegram.OwnerUserIDs, n.Telegram.OwnerUserIDs) ||
		!eqTrim(o.Telegram.GroupLog, n.Telegram.GroupLog)
}

// The pprof token only counts when it flips between set and unset; a
// rotated value keeps working without a listener restart.
func pprofChanged(o, n *Config) bool {
	op, np := o.Pprof, n.Pprof
	if op.Enabled != np.Enabled ||
		!eqTrim(op.Addr, np.Addr) ||
		!eqTrim(op.Prefix, np.Prefix) ||
		op.AllowInsecure != np.AllowInsecure ||
		!eqTrim(op.ReadTimeout, np.ReadTimeout) ||
		!eqTrim(op.WriteTimeout, np.WriteTimeout) ||
		!eqTrim(op.IdleTimeout, np.IdleTimeout) ||
		op.MutexProfileFraction != np.MutexProfileFraction ||
		op.BlockProfileRate != np.BlockProfileRate ||
		op.MemProfileRate != np.MemProfileRate {
		return true
	}
	return (strings.TrimSpace(op.Token) != "") != (strings.TrimSpace(np.Token) != "")
}

// monitorChanged covers portal and poll knobs; account list changes are
// handled by changedAccountNames.
func monitorChanged(o, n *Config) bool {
	return o.Monitor.Enabled != n.Monitor.Enabled ||
		!eqTrim(o.Monitor.Interval, n.Monitor.Interval) ||
		!eqTrim(o.Monitor.Timeout, n.Monitor.Timeout) ||
		o.Monitor.Parallel != n.Monitor.Parallel ||
		!eqTrim(o.Monitor.SessionTTL, n.Monitor.SessionTTL) ||
		!eqTrim(o.Monitor.BaseURL, n.Monitor.BaseURL) ||
		o.Monitor.Survey != n.Monitor.Survey
}

func schedulerChanged(o, n *Config) bool {
	return o.Scheduler.Enabled != n.Scheduler.Enabled ||
		!eqTrim(o.Scheduler.Timezone, n.Scheduler.Timezone) ||
		!eqTrim(o.Scheduler.Digest, n.Scheduler.Digest)
}

func engineChanged(o, n *Config) bool {
	if (o.TaskEngine != nil) != (n.TaskEngine != nil) {
		return true
	}
	return !reflect.DeepEqual(derefTaskEngine(o.TaskEngine), derefTaskEngine(n.TaskEngine))
}

func notifierChanged(o, n *Config) bool {
	return !reflect.DeepEqual(orNotifierDefaults(o.Notifier), orNotifierDefaults(n.Notifier))
}

// storageChanged ignores pure path renames of an unset path and compares
// the path only by set-ness; moving the database is a restart operation.
func storageChanged(o, n *Config) bool {
	var od, nd, ob, nb string
	var op, np bool
	if o.Storage != nil {
		od = strings.TrimSpace(o.Storage.Driver)
		ob = strings.TrimSpace(o.Storage.BusyTimeout)
		op = strings.TrimSpace(o.Storage.Path) != ""
	}
	if n.Storage != nil {
		nd = strings.TrimSpace(n.Storage.Driver)
		nb = strings.TrimSpace(n.Storage.BusyTimeout)
		np = strings.TrimSpace(n.Storage.Path) != ""
	}
	return od != nd || ob != nb || op != np
}

// orNotifierDefaults substitutes the runtime defaults for an omitted
// notifier section so "section deleted" and "section with default values"
// compare equal.
func orNotifierDefaults(n *NotifierConfig) NotifierConfig {
	if n != nil {
		return *n
	}
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
		HistorySize:     200,
		PersistDedup:    false,
	}
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func countEnabledAccounts(accts []Account) int {
	n := 0
	for _, a := range accts {
		if a.Enabled {
			n++
		}
	}
	return n
}

// changedAccountNames returns the names of accounts that were added,
// removed or edited between the two lists, sorted. Comparison is by Name.
func changedAccountNames(oldA, newA []Account) []string {
	oldM := make(map[string]Account, len(oldA))
	for _, a := range oldA {
		oldM[a.Name] = a
	}
	newM := make(map[string]Account, len(newA))
	for _, a := range newA {
		newM[a.Name] = a
	}

	seen := map[string]struct{}{}
	for k := range oldM {
		seen[k] = struct{}{}
	}
	for k := range newM {
		seen[k] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
