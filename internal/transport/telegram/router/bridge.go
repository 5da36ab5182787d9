package router

import (
	"ubysbot/internal/config"
	"ubysbot/internal/monitor/ops"
	"ubysbot/internal/runtime/supervisor"
	"ubysbot/internal/task/scheduler"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.NewSupervisor

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

// ---- Restart helpers (for resilient worker loops) ----

type RestartOption = supervisor.RestartOption

var WithRestartBackoff = supervisor.WithRestartBackoff

var WithPublishFirstError = supervisor.WithPublishFirstError

var WithStopOnCleanExit = supervisor.WithStopOnCleanExit

// ---- Task/scheduler operational types ----

type TaskOptions = scheduler.TaskOptions

type Snapshot = scheduler.Snapshot

type OverlapPolicy = scheduler.OverlapPolicy

const (
	OverlapAllow         = scheduler.OverlapAllow
	OverlapSkipIfRunning = scheduler.OverlapSkipIfRunning
)

// ---- Monitor operational types (no import cycle) ----

type MonitorSnapshot = ops.MonitorSnapshot

type AccountStatus = ops.AccountStatus

type CheckResult = ops.CheckResult

