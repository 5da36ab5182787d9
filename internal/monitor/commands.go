package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ubysbot/internal/transport/telegram/router"
	"ubysbot/pkg/tgui"
)

// Commands returns the operator command surface for the monitor. The app
// registers these with the router at startup.
func (s *Service) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "status",
			Aliases:     []string{"st"},
			Description: "monitor state per account",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Handle:      s.cmdStatus,
		},
		{
			Route:       "check",
			Description: "poll accounts now",
			Usage:       "/check [account ...]",
			Access:      router.AccessOwnerOnly,
			Timeout:     3 * time.Minute,
			Handle:      s.cmdCheck,
		},
		{
			Route:       "grades",
			Description: "last fetched grades for an account",
			Usage:       "/grades [account]",
			Access:      router.AccessOwnerOnly,
			Handle:      s.cmdGrades,
		},
		{
			Route:       "errors",
			Description: "accounts whose checks are failing",
			Usage:       "/errors",
			Access:      router.AccessOwnerOnly,
			Handle:      s.cmdErrors,
		},
		{
			Route:       "monitor pause",
			Aliases:     []string{"pause"},
			Description: "pause scheduled grade checks",
			Usage:       "/monitor pause",
			Access:      router.AccessOwnerOnly,
			Handle:      s.cmdPause,
		},
		{
			Route:       "monitor resume",
			Aliases:     []string{"resume"},
			Description: "resume scheduled grade checks",
			Usage:       "/monitor resume",
			Access:      router.AccessOwnerOnly,
			Handle:      s.cmdResume,
		},
	}
}

func reply(ctx context.Context, req *router.Request, msg tgui.Message) error {
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%02dm ago", int(d.Hours()), int(d.Minutes())%60)
	}
	return t.Format("2006-01-02 15:04")
}

func (s *Service) cmdStatus(ctx context.Context, req *router.Request) error {
	snap := s.Snapshot()

	state := "active"
	switch {
	case !s.Enabled():
		state = "disabled"
	case snap.Paused:
		state = "paused"
	}
	b := tgui.New().
		Title("📡", "Grade monitor").
		KV("State", state).
		KV("Accounts", fmt.Sprintf("%d", len(snap.Accounts)))

	for _, a := range snap.Accounts {
		b.Blank()
		b.RawLine(tgui.B(a.Name).String())
		if !a.Enabled {
			b.Bullets("disabled")
			continue
		}
		session := "logged out"
		if a.LoggedIn {
			session = "logged in"
		}
		b.Bullets(
			session,
			"last poll: "+ago(a.LastPoll),
			fmt.Sprintf("%d courses, %d entries", a.Courses, a.Exams),
		)
		if !a.LastChange.IsZero() {
			b.Bullets("last change: " + ago(a.LastChange))
		}
		if a.LastErr != "" {
			b.Bullets(fmt.Sprintf("failing (%d in a row): %s", a.ErrStreak, a.LastErr))
		}
	}
	return reply(ctx, req, b.Build())
}

func (s *Service) cmdCheck(ctx context.Context, req *router.Request) error {
	names := req.Args
	label := "all enabled accounts"
	if len(names) > 0 {
		label = strings.Join(names, ", ")
	}
	_, _ = req.Adapter.SendText(ctx, req.Chat, "Checking "+label+"…", nil)

	results := s.CheckNow(ctx, names)
	if len(results) == 0 {
		return reply(ctx, req, tgui.New().Line("No accounts to check.").Build())
	}

	b := tgui.New().Title("🔎", "Check results")
	for _, r := range results {
		switch {
		case r.Err != "":
			b.RawLine("❌ " + tgui.B(r.Account).String() + ": " + tgui.Esc(r.Err).String())
		case r.Baseline:
			b.RawLine("🎓 " + tgui.B(r.Account).String() + ": first snapshot recorded")
		case r.Changed:
			b.RawLine(fmt.Sprintf("📣 %s: %d new, %d updated, %d removed",
				tgui.B(r.Account).String(), r.New, r.Updated, r.Removed))
		default:
			b.RawLine("✅ " + tgui.B(r.Account).String() + ": no changes")
		}
	}
	return reply(ctx, req, b.Build())
}

func (s *Service) cmdGrades(ctx context.Context, req *router.Request) error {
	snap := s.Snapshot()
	name := ""
	if len(req.Args) > 0 {
		name = req.Args[0]
	}
	if name == "" {
		if len(snap.Accounts) != 1 {
			names := make([]string, 0, len(snap.Accounts))
			for _, a := range snap.Accounts {
				names = append(names, a.Name)
			}
			return reply(ctx, req, tgui.New().
				Line("Which account? Usage: /grades <account>").
				Line("Configured: "+strings.Join(names, ", ")).
				Build())
		}
		name = snap.Accounts[0].Name
	}

	courses, at, ok, err := s.LastCourses(ctx, name)
	if err != nil {
		return reply(ctx, req, tgui.New().
			Line("Could not load grades for "+name+":").
			Code(err.Error()).
			Build())
	}
	if !ok {
		return reply(ctx, req, tgui.New().
			Line("No grades recorded for " + name + " yet. Try /check " + name + ".").
			Build())
	}

	b := tgui.New().Title("🎓", name+": grades")
	b.Line("fetched " + ago(at))
	for _, c := range courses {
		b.Blank()
		b.RawLine(tgui.B(c.Name).String())
		if len(c.Exams) == 0 {
			b.Bullets("no entries yet")
			continue
		}
		for _, e := range c.Exams {
			b.Bullets(e.Label + ": " + displayScore(e.Score))
		}
	}
	return reply(ctx, req, b.Build())
}

func (s *Service) cmdErrors(ctx context.Context, req *router.Request) error {
	snap := s.Snapshot()
	b := tgui.New().Title("🩺", "Check failures")
	failing := 0
	for _, a := range snap.Accounts {
		if a.LastErr == "" {
			continue
		}
		failing++
		b.Blank()
		b.RawLine(tgui.B(a.Name).String())
		b.Bullets(fmt.Sprintf("%d in a row", a.ErrStreak))
		b.Code(a.LastErr)
	}
	if failing == 0 {
		b.Line("All accounts healthy.")
	}
	if snap.Paused {
		b.Blank()
		b.Line("Monitoring is paused.")
	}
	return reply(ctx, req, b.Build())
}

func (s *Service) cmdPause(ctx context.Context, req *router.Request) error {
	if !s.Pause() {
		return reply(ctx, req, tgui.New().Line("Already paused.").Build())
	}
	return reply(ctx, req, tgui.New().
		Line("Scheduled grade checks paused. /monitor resume to continue.").
		Build())
}

func (s *Service) cmdResume(ctx context.Context, req *router.Request) error {
	if !s.Resume() {
		return reply(ctx, req, tgui.New().Line("Not paused.").Build())
	}
	return reply(ctx, req, tgui.New().Line("Scheduled grade checks resumed.").Build())
}
