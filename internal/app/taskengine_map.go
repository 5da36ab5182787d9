package app

import (
	"fmt"
	"strings"
	"time"

	"ubysbot/internal/task/engine"
)

// mapTaskEngineConfig maps cfg.task_engine into the runtime engine.Config.
//
// The engine executes what the scheduler triggers, and the scheduler mostly
// triggers grade polls. So when the section is omitted the engine follows the
// monitor: enabled iff monitor.enabled, workers sized to monitor.parallel.
func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := cfg.Monitor.Enabled
	workers := 0
	queueSize := 0
	historySize := 0
	retryMax := 0
	cbThreshold := 0

	defTimeoutStr := ""
	maxQueueDelayStr := ""
	cbCooldownStr := ""
	cbCooldownMaxStr := ""

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		workers = te.Workers
		queueSize = te.QueueSize
		historySize = te.HistorySize
		retryMax = te.RetryMax
		cbThreshold = te.CBThreshold
		defTimeoutStr = strings.TrimSpace(te.DefaultTimeout)
		maxQueueDelayStr = strings.TrimSpace(te.MaxQueueDelay)
		cbCooldownStr = strings.TrimSpace(te.CBCooldown)
		cbCooldownMaxStr = strings.TrimSpace(te.CBCooldownMax)

		// Safety: a config where scheduler triggers run but the engine is
		// explicitly off would silently drop every poll.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	if workers <= 0 {
		workers = cfg.Monitor.Parallel
	}
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if historySize < 0 {
		historySize = 0
	} else if historySize == 0 {
		historySize = 200
	}
	if retryMax < 0 {
		retryMax = 0
	} else if retryMax == 0 {
		retryMax = 3
	}
	if cbThreshold == 0 {
		cbThreshold = 5
	}

	defTimeout, err := parseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}
	cbCooldown, err := parseDurationOrDefault("task_engine.cb_cooldown", cbCooldownStr, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	cbCooldownMax, err := parseDurationOrDefault("task_engine.cb_cooldown_max", cbCooldownMaxStr, 10*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:             enabled,
		Workers:             workers,
		QueueSize:           queueSize,
		DefaultTimeout:      defTimeout,
		MaxQueueDelay:       maxQueueDelay,
		HistorySize:         historySize,
		RetryMax:            retryMax,
		CircuitTripFailures: cbThreshold,
		CircuitBaseDelay:    cbCooldown,
		CircuitMaxDelay:     cbCooldownMax,
	}, nil
}
