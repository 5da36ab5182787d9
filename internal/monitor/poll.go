package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ubysbot/internal/grades"
	"ubysbot/internal/monitor/ops"
	"ubysbot/internal/notifier"
	"ubysbot/internal/portal"
	"ubysbot/internal/storage"
	"ubysbot/internal/task/engine"
	kit "ubysbot/internal/transport"
	logx "ubysbot/pkg/logx"
	"ubysbot/pkg/tgui"
)

// runScheduled is the engine entrypoint for one account's poll tick.
func (s *Service) runScheduled(ctx context.Context, name string) error {
	if s.Paused() {
		s.log.Debug("poll skipped, monitor paused", logx.String("account", name))
		return nil
	}
	_, err := s.pollAccount(ctx, name)
	return err
}

// pollAccount runs the whole pipeline for one account: session, fetch,
// survey gate, parse, diff, persist, notify. The returned error is what the
// engine sees; permanent failures are wrapped with engine.NoRetry.
func (s *Service) pollAccount(ctx context.Context, name string) (ops.CheckResult, error) {
	res := ops.CheckResult{Account: name, At: time.Now()}

	st := s.stateFor(name)
	if st == nil {
		err := engine.NoRetry(fmt.Errorf("unknown account %q", name))
		res.Err = err.Error()
		return res, err
	}
	cfg := s.configSnapshot()

	st.mu.Lock()
	acct := st.acct
	client := st.client
	initErr := st.initErr
	st.mu.Unlock()

	if client == nil {
		err := engine.NoRetry(errors.New("portal client unavailable: " + initErr))
		s.failPoll(ctx, st, acct, cfg, res.At, 0, err)
		res.Err = err.Error()
		return res, err
	}

	start := time.Now()
	current, err := s.fetchCourses(ctx, client, acct, cfg)
	took := time.Since(start)
	if err != nil {
		s.failPoll(ctx, st, acct, cfg, res.At, took, err)
		res.Err = err.Error()
		return res, err
	}

	prev, hadPrev, err := s.previousCourses(ctx, st, name)
	if err != nil {
		// A snapshot read failure must not demote this poll to a baseline:
		// that would overwrite the stored state and swallow a pending change.
		err = fmt.Errorf("load snapshot: %w", err)
		s.failPoll(ctx, st, acct, cfg, res.At, took, err)
		res.Err = err.Error()
		return res, err
	}

	ch := grades.Diff(prev, current)
	res.Baseline = !hadPrev
	if hadPrev {
		res.Changed = ch.Changed()
		res.New = len(ch.New)
		res.Updated = len(ch.Updated)
		res.Removed = len(ch.Removed)
	}

	if err := s.persistSnapshot(ctx, name, res.At, current); err != nil {
		// In-memory state still advances; the store catches up next poll.
		s.log.Error("persist snapshot failed", logx.String("account", name), logx.Err(err))
	}

	examCount := 0
	for _, c := range current {
		examCount += len(c.Exams)
	}
	st.mu.Lock()
	prevStreak := st.errStreak
	st.errStreak = 0
	st.lastErr = ""
	st.lastPoll = res.At
	if res.Changed {
		st.lastChange = res.At
	}
	st.courses = len(current)
	st.exams = examCount
	st.lastSeen = current
	st.haveSeen = true
	st.mu.Unlock()

	switch {
	case res.Baseline:
		s.log.Info("baseline snapshot recorded",
			logx.String("account", name),
			logx.Int("courses", len(current)),
		)
		s.notify(ctx, acct, cfg, "grades.baseline", notifier.PriorityInfo, renderBaseline(name, current))
	case res.Changed:
		s.log.Info("grade changes detected",
			logx.String("account", name),
			logx.Int("new", res.New),
			logx.Int("updated", res.Updated),
			logx.Int("removed", res.Removed),
		)
		prio := notifier.PriorityInfo
		if len(ch.Updated) > 0 {
			prio = notifier.PriorityWarning
		}
		s.notify(ctx, acct, cfg, "grades.update", prio, renderChanges(name, ch))
	default:
		s.log.Debug("poll complete, no changes",
			logx.String("account", name),
			logx.Int("courses", len(current)),
			logx.Duration("took", took),
		)
	}
	if prevStreak >= alertAfterFailures {
		s.notify(ctx, acct, cfg, "monitor.recovered", notifier.PriorityInfo, renderRecovered(name, prevStreak))
	}

	s.audit(ctx, storage.AuditEntry{
		At:        res.At,
		Account:   name,
		Component: "monitor",
		Action:    "poll",
		OK:        1,
		TookMS:    took.Milliseconds(),
		MetaJSON:  pollMeta(res),
	})
	ev := PollEvent{
		Account:  name,
		Baseline: res.Baseline,
		Changed:  res.Changed,
		New:      res.New,
		Updated:  res.Updated,
		Removed:  res.Removed,
		Took:     took,
	}
	s.publish("monitor.polled", ev)
	if res.Changed {
		s.publish("monitor.changed", ev)
	}
	return res, nil
}

// fetchCourses drives the portal client to a parsed course list, handling
// the survey interstitial and stale-session detection on the way.
func (s *Service) fetchCourses(ctx context.Context, client *portal.Client, acct Account, cfg Config) ([]grades.Course, error) {
	if err := client.EnsureSession(ctx); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	page, err := client.FetchGrades(ctx, acct.GradesURL)
	if err != nil {
		return nil, fmt.Errorf("fetch grades: %w", err)
	}
	if page.Survey {
		page, err = s.surveyGate(ctx, client, acct, cfg)
		if err != nil {
			return nil, err
		}
	}
	list, err := grades.Parse(page.HTML)
	if err != nil {
		if errors.Is(err, grades.ErrNoCourseTable) && portal.LooksLoggedOut(page.HTML) {
			// The portal served its logged-out shell with a 200. Drop the
			// session so the next attempt logs in from scratch.
			client.Invalidate()
			return nil, fmt.Errorf("session rejected by portal: %w", err)
		}
		return nil, fmt.Errorf("parse grades: %w", err)
	}
	return list, nil
}

// surveyGate handles the course-survey interstitial standing in for the
// grades page. With auto-complete on it answers the survey and refetches;
// otherwise polling for this account is parked until someone clears the
// survey in a browser.
func (s *Service) surveyGate(ctx context.Context, client *portal.Client, acct Account, cfg Config) (portal.Page, error) {
	s.log.Warn("survey gate on grades page",
		logx.String("account", acct.Name),
		logx.Bool("auto_complete", cfg.Survey.AutoComplete),
	)
	s.publish("monitor.survey", PollEvent{Account: acct.Name})
	if cfg.Survey.Notify {
		s.notify(ctx, acct, cfg, "monitor.survey", notifier.PriorityCritical,
			renderSurveyAlert(acct.Name, cfg.Survey.AutoComplete))
	}
	if !cfg.Survey.AutoComplete {
		return portal.Page{}, engine.NoRetry(errors.New("survey gate pending, auto-complete disabled"))
	}
	if err := client.CompleteSurvey(ctx, acct.GradesURL); err != nil {
		return portal.Page{}, fmt.Errorf("complete survey: %w", err)
	}
	page, err := client.FetchGrades(ctx, acct.GradesURL)
	if err != nil {
		return portal.Page{}, fmt.Errorf("refetch grades: %w", err)
	}
	if page.Survey {
		return portal.Page{}, engine.NoRetry(errors.New("survey still gating grades after auto-complete"))
	}
	s.log.Info("survey auto-completed", logx.String("account", acct.Name))
	return page, nil
}

func (s *Service) failPoll(ctx context.Context, st *accountState, acct Account, cfg Config, at time.Time, took time.Duration, err error) {
	st.mu.Lock()
	st.lastPoll = at
	st.lastErr = err.Error()
	st.errStreak++
	streak := st.errStreak
	st.mu.Unlock()

	s.log.Error("poll failed",
		logx.String("account", acct.Name),
		logx.Int("streak", streak),
		logx.Err(err),
	)
	// Alert once per outage, when the streak crosses the threshold. The
	// recovery notice on the next success closes the loop.
	if streak == alertAfterFailures {
		s.notify(ctx, acct, cfg, "monitor.error", notifier.PriorityError, renderFetchError(acct.Name, streak, err))
	}
	s.audit(ctx, storage.AuditEntry{
		At:        at,
		Account:   acct.Name,
		Component: "monitor",
		Action:    "poll",
		Fail:      1,
		Error:     err.Error(),
		TookMS:    took.Milliseconds(),
	})
	s.publish("monitor.polled", PollEvent{Account: acct.Name, Err: err.Error(), Took: took})
}

// previousCourses returns the last known course list, preferring in-memory
// state and falling back to the snapshot store after a restart.
func (s *Service) previousCourses(ctx context.Context, st *accountState, name string) ([]grades.Course, bool, error) {
	st.mu.Lock()
	seen := st.haveSeen
	last := st.lastSeen
	st.mu.Unlock()
	if seen {
		return last, true, nil
	}
	if s.store == nil {
		return nil, false, nil
	}
	rec, ok, err := s.store.GetSnapshot(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	courses, err := grades.DecodeCourses(rec.Courses)
	if err != nil {
		return nil, false, fmt.Errorf("decode stored snapshot: %w", err)
	}
	return courses, true, nil
}

func (s *Service) persistSnapshot(ctx context.Context, name string, at time.Time, courses []grades.Course) error {
	if s.store == nil {
		return nil
	}
	raw, err := grades.EncodeCourses(courses)
	if err != nil {
		return err
	}
	return s.store.PutSnapshot(ctx, storage.SnapshotRecord{Account: name, TakenAt: at, Courses: raw})
}

func (s *Service) audit(ctx context.Context, e storage.AuditEntry) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}
}

func pollMeta(res ops.CheckResult) string {
	meta := struct {
		Baseline bool `json:"baseline,omitempty"`
		New      int  `json:"new,omitempty"`
		Updated  int  `json:"updated,omitempty"`
		Removed  int  `json:"removed,omitempty"`
	}{res.Baseline, res.New, res.Updated, res.Removed}
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *Service) targetFor(acct Account, cfg Config) kit.ChatTarget {
	if acct.ChatID != 0 {
		return kit.ChatTarget{ChatID: acct.ChatID}
	}
	return kit.ChatTarget{ChatID: cfg.DefaultChatID}
}

func (s *Service) notify(ctx context.Context, acct Account, cfg Config, channel string, priority int, msg tgui.Message) {
	if s.notif == nil {
		return
	}
	target := s.targetFor(acct, cfg)
	if target.ChatID == 0 {
		s.log.Warn("no chat configured for alert",
			logx.String("account", acct.Name),
			logx.String("channel", channel),
		)
		return
	}
	n := kit.Notification{
		Channel:  channel,
		Priority: priority,
		Target:   target,
		Text:     msg.Text,
		Options:  msg.Opt,
	}
	if err := s.notif.Notify(ctx, n); err != nil {
		s.log.Error("notify failed",
			logx.String("account", acct.Name),
			logx.String("channel", channel),
			logx.Err(err),
		)
	}
}

// runDigest sends the daily account summary to the default chat.
func (s *Service) runDigest(ctx context.Context) error {
	cfg := s.configSnapshot()
	if cfg.DefaultChatID == 0 {
		s.log.Warn("digest skipped, no default chat configured")
		return nil
	}
	snap := s.Snapshot()
	if s.notif == nil {
		return nil
	}
	msg := renderDigest(snap)
	n := kit.Notification{
		Channel:  "monitor.digest",
		Priority: notifier.PriorityInfo,
		Target:   kit.ChatTarget{ChatID: cfg.DefaultChatID},
		Text:     msg.Text,
		Options:  msg.Opt,
	}
	if err := s.notif.Notify(ctx, n); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	s.publish("monitor.digest", snap)
	return nil
}
