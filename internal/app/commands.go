package app

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	rtsup "ubysbot/internal/runtime/supervisor"
	kit "ubysbot/internal/transport"
	"ubysbot/internal/transport/telegram/router"
	"ubysbot/pkg/tgui"
)

// commands returns the app-level operational commands. The grade-facing
// commands (/status, /check, /grades, ...) come from the monitor service.
func (a *App) commands() []router.Command {
	return []router.Command{
		{
			Route:       "ping",
			Description: "liveness check",
			Usage:       "/ping",
			Access:      router.AccessEveryone,
			Handle: func(ctx context.Context, req *router.Request) error {
				_, _ = req.Adapter.SendText(ctx, req.Chat, "pong", nil)
				return nil
			},
		},
		{
			Route:       "uptime",
			Aliases:     []string{"up"},
			Description: "how long the bot has been running",
			Usage:       "/uptime",
			Access:      router.AccessEveryone,
			Handle: func(ctx context.Context, req *router.Request) error {
				_, _ = req.Adapter.SendText(ctx, req.Chat, "uptime: "+durRel(time.Since(a.startedAt)), nil)
				return nil
			},
		},
		{
			Route:       "health",
			Description: "runtime and subsystem health",
			Usage:       "/health [detail]",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdHealth,
		},
		{
			Route:       "version",
			Description: "build info",
			Usage:       "/version",
			Access:      router.AccessEveryone,
			Handle: func(ctx context.Context, req *router.Request) error {
				_, _ = req.Adapter.SendText(ctx, req.Chat, BuildInfoLine(), nil)
				return nil
			},
		},
		{
			Route:       "sched",
			Aliases:     []string{"tasks"},
			Description: "list scheduled tasks",
			Usage:       "/sched",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdSchedList,
		},
		{
			Route:       "sched status",
			Description: "scheduler and task engine summary",
			Usage:       "/sched status",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdSchedStatus,
		},
	}
}

func (a *App) cmdHealth(ctx context.Context, req *router.Request) error {
	ps := req.Services
	if ps == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "services are unavailable", nil)
		return nil
	}

	supDetail := false
	if len(req.Args) > 0 {
		arg := strings.ToLower(req.Args[0])
		if arg == "sup" || arg == "supervisor" || arg == "detail" {
			supDetail = true
		}
	}
	if req.BoolFlags != nil && (req.BoolFlags["sup"] || req.BoolFlags["detail"]) {
		supDetail = true
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var b strings.Builder
	b.Grow(2048)

	b.WriteString(fmt.Sprintf("uptime: %s\n", durRel(time.Since(a.startedAt))))
	b.WriteString(fmt.Sprintf("goroutines: %d\n", runtime.NumGoroutine()))
	b.WriteString(fmt.Sprintf("mem: alloc=%s sys=%s gc=%d\n", fmtBytes(m.Alloc), fmtBytes(m.Sys), m.NumGC))
	b.WriteString("\n")

	if ps.Monitor != nil {
		snap := ps.Monitor.Snapshot()
		failing := 0
		enabled := 0
		for _, st := range snap.Accounts {
			if st.Enabled {
				enabled++
			}
			if st.ErrStreak > 0 {
				failing++
			}
		}
		state := "active"
		if snap.Paused {
			state = "paused"
		}
		b.WriteString("monitor\n")
		b.WriteString(fmt.Sprintf("  state:    %s\n", state))
		b.WriteString(fmt.Sprintf("  accounts: %d enabled, %d total\n", enabled, len(snap.Accounts)))
		if failing > 0 {
			b.WriteString(fmt.Sprintf("  failing:  %d\n", failing))
		}
		b.WriteString("\n")
	}

	if ps.Scheduler != nil {
		s := ps.Scheduler.Snapshot()
		state := "disabled"
		if ps.Scheduler.Enabled() {
			state = "enabled"
		}
		b.WriteString("scheduler\n")
		b.WriteString(fmt.Sprintf("  state:     %s\n", state))
		b.WriteString(fmt.Sprintf("  workers:   %d (inflight=%d)\n", s.Workers, s.InFlight))
		if s.QueueCap > 0 {
			b.WriteString(fmt.Sprintf("  queue:     %d/%d\n", s.QueueLen, s.QueueCap))
		} else {
			b.WriteString(fmt.Sprintf("  queue:     %d\n", s.QueueLen))
		}
		if s.Dropped > 0 {
			b.WriteString(fmt.Sprintf("  dropped:   %d (queue_full=%d stale=%d)\n", s.Dropped, s.DroppedQueueFull, s.DroppedStale))
		}
		b.WriteString(fmt.Sprintf("  schedules: %d\n", len(s.Schedules)))
		b.WriteString("\n")
	}

	b.WriteString("supervisors\n")
	if ps.AppSupervisor != nil {
		c := ps.AppSupervisor.Counters()
		b.WriteString(fmt.Sprintf("  app: active=%d started=%d\n", c.Active, c.Started))
	} else {
		b.WriteString("  app: n/a\n")
	}
	extraSup := map[string]*rtsup.Supervisor{}
	if ps.RuntimeSupervisors != nil {
		extraSup = ps.RuntimeSupervisors.Snapshot()
	}
	extraNames := make([]string, 0, len(extraSup))
	for name, sup := range extraSup {
		if sup != nil {
			extraNames = append(extraNames, name)
		}
	}
	sort.Strings(extraNames)
	for _, name := range extraNames {
		c := extraSup[name].Counters()
		b.WriteString(fmt.Sprintf("  %s: active=%d started=%d\n", name, c.Active, c.Started))
	}

	if supDetail {
		b.WriteString("\nsupervisor detail\n")
		if ps.AppSupervisor != nil {
			b.WriteString("\n  app goroutines\n")
			writeSupDetails(&b, ps.AppSupervisor.Snapshot(), 12)
		}
		for _, name := range extraNames {
			b.WriteString("\n  " + name + " goroutines\n")
			writeSupDetails(&b, extraSup[name].Snapshot(), 12)
		}
	}

	msg := tgui.New().
		ParseMode("").
		Title("🩺", "health").
		Blank().
		RawLine(b.String()).
		Build()
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (a *App) cmdSchedList(ctx context.Context, req *router.Request) error {
	var s router.SchedulerPort
	if req.Services != nil {
		s = req.Services.Scheduler
	}
	if s == nil || !s.Enabled() {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "scheduler is disabled", nil)
		return nil
	}

	snap := s.Snapshot()
	if len(snap.Schedules) == 0 {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "no scheduled tasks", nil)
		return nil
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })

	lines := make([]string, 0, len(snap.Schedules)+1)
	lines = append(lines, fmt.Sprintf("scheduled tasks (%d, tz=%s):", len(snap.Schedules), orDash(snap.Timezone)))
	now := time.Now()
	for _, t := range snap.Schedules {
		next := "-"
		if !t.Next.IsZero() {
			next = fmt.Sprintf("in %s", durRel(t.Next.Sub(now)))
		}
		last := ""
		if !t.Prev.IsZero() {
			last = fmt.Sprintf(", last %s ago", durRel(now.Sub(t.Prev)))
		}
		lines = append(lines, fmt.Sprintf("- %s [%s] next %s%s", t.Name, t.Spec, next, last))
	}
	_, _ = req.Adapter.SendText(ctx, req.Chat, strings.Join(lines, "\n"), &kit.SendOptions{DisablePreview: true})
	return nil
}

func (a *App) cmdSchedStatus(ctx context.Context, req *router.Request) error {
	var s router.SchedulerPort
	if req.Services != nil {
		s = req.Services.Scheduler
	}
	if s == nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "scheduler is unavailable", nil)
		return nil
	}
	snap := s.Snapshot()

	state := "disabled"
	if snap.Enabled {
		state = "enabled"
	}
	msg := tgui.New().
		Title("⏱", "scheduler").
		KV("state", state).
		KV("timezone", orDash(snap.Timezone)).
		KV("schedules", fmt.Sprintf("%d", len(snap.Schedules))).
		KV("workers", fmt.Sprintf("%d", snap.Workers)).
		KV("inflight", fmt.Sprintf("%d", snap.InFlight)).
		KV("queue", fmt.Sprintf("%d/%d", snap.QueueLen, snap.QueueCap)).
		KV("retry", fmt.Sprintf("max=%d base=%s", snap.RetryMax, snap.RetryBase)).
		Build()
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func BuildInfoLine() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return "ubysbot (build info unavailable)"
	}
	ver := bi.Main.Version
	if ver == "" || ver == "(devel)" {
		ver = "devel"
	}
	var rev, dirty string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) >= 8 {
				rev = s.Value[:8]
			} else {
				rev = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "+dirty"
			}
		}
	}
	out := "ubysbot " + ver
	if rev != "" {
		out += " (" + rev + dirty + ")"
	}
	return out + " " + runtime.Version()
}

func writeSupDetails(b *strings.Builder, snap rtsup.SupervisorSnapshot, limit int) {
	if limit <= 0 {
		limit = 10
	}
	n := 0
	for _, g := range snap.Goroutines {
		// Hide internal wrapper goroutines used by GoRestart to avoid noise.
		if strings.HasSuffix(g.Name, ".restart") {
			continue
		}
		if g.Active == 0 && g.Started == 0 {
			continue
		}
		line := fmt.Sprintf("    - %s active=%d started=%d restarts=%d panics=%d", g.Name, g.Active, g.Started, g.Restarts, g.Panics)
		if g.LastErr != "" {
			when := ""
			if !g.LastErrAt.IsZero() {
				when = fmt.Sprintf(" (%s ago)", durRel(time.Since(g.LastErrAt)))
			}
			line += ", last_err=" + shorten(g.LastErr, 96) + when
		}
		b.WriteString(line + "\n")
		n++
		if n >= limit {
			break
		}
	}
	if n == 0 {
		b.WriteString("    (no data)\n")
	}
}

func shorten(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func fmtBytes(n uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1fGB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1fMB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1fKB", float64(n)/kb)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
