package monitor

import (
	"fmt"
	"strings"

	"ubysbot/internal/grades"
	"ubysbot/internal/monitor/ops"
	"ubysbot/pkg/tgui"
)

// displayScore keeps placeholder scores readable; the portal leaves the cell
// empty before a grade is entered.
func displayScore(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func renderBaseline(account string, courses []grades.Course) tgui.Message {
	b := tgui.New().Title("🎓", account+": current grades")
	if len(courses) == 0 {
		b.Line("No courses on the grades page yet.")
		return b.Build()
	}
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
	return b.Build()
}

func renderChanges(account string, ch grades.Changes) tgui.Message {
	b := tgui.New().Title("📣", account+": grade changes")
	for _, c := range ch.New {
		b.Blank()
		b.RawLine("🆕 " + tgui.B(c.Name).String())
		for _, e := range c.Exams {
			b.Bullets(e.Label + ": " + displayScore(e.Score))
		}
	}
	for _, u := range ch.Updated {
		b.Blank()
		b.RawLine("✏️ " + tgui.B(u.Name).String())
		if len(u.Changes) == 0 {
			b.Bullets("entries reordered")
			continue
		}
		for _, e := range u.Changes {
			switch e.Kind {
			case grades.ExamAdded:
				b.Bullets(e.Label + ": " + displayScore(e.New) + " (new)")
			case grades.ExamRemoved:
				b.Bullets(e.Label + ": " + displayScore(e.Old) + " (removed)")
			default:
				b.Bullets(e.Label + ": " + displayScore(e.Old) + " → " + displayScore(e.New))
			}
		}
	}
	for _, c := range ch.Removed {
		b.Blank()
		b.RawLine("🗑 " + tgui.B(c.Name).String())
	}
	return b.Build()
}

func renderSurveyAlert(account string, autoComplete bool) tgui.Message {
	b := tgui.New().Title("📋", account+": survey required")
	if autoComplete {
		b.Line("A course survey is blocking the grades page. Trying to answer it automatically.")
	} else {
		b.Line("A course survey is blocking the grades page. Complete it in the portal to resume grade checks.")
	}
	return b.Build()
}

func renderFetchError(account string, streak int, err error) tgui.Message {
	return tgui.New().
		Title("⚠️", account+": grade checks failing").
		Line(fmt.Sprintf("%d checks in a row failed. Last error:", streak)).
		Code(err.Error()).
		Line("Check the credentials and whether a survey is pending.").
		Build()
}

func renderRecovered(account string, streak int) tgui.Message {
	return tgui.New().
		Title("✅", account+": grade checks recovered").
		Line(fmt.Sprintf("Polling works again after %d failed checks.", streak)).
		Build()
}

func renderDigest(snap ops.MonitorSnapshot) tgui.Message {
	b := tgui.New().Title("📊", "Daily grade monitor summary")
	if snap.Paused {
		b.Line("Monitoring is paused.")
	}
	if len(snap.Accounts) == 0 {
		b.Line("No accounts configured.")
		return b.Build()
	}
	for _, a := range snap.Accounts {
		line := a.Name + ": "
		switch {
		case !a.Enabled:
			line += "disabled"
		case a.LastPoll.IsZero():
			line += "not polled yet"
		case a.LastErr != "":
			line += fmt.Sprintf("failing (%d in a row)", a.ErrStreak)
		default:
			line += fmt.Sprintf("%d courses, %d entries", a.Courses, a.Exams)
			if !a.LastChange.IsZero() {
				line += ", last change " + a.LastChange.Format("Jan 2 15:04")
			}
		}
		b.Bullets(line)
	}
	return b.Build()
}
