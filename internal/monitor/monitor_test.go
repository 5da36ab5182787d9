package monitor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"ubysbot/internal/config"
	"ubysbot/internal/eventbus"
	"ubysbot/internal/notifier"
	"ubysbot/internal/storage"
	"ubysbot/internal/task/engine"
	"ubysbot/internal/task/scheduler"
	kit "ubysbot/internal/transport"
	logx "ubysbot/pkg/logx"
)

const testLoginPage = `<!DOCTYPE html>
<html><body>
<form action="/Account/Login" method="post">
  <input name="__RequestVerificationToken" type="hidden" value="tok-abc">
</form>
</body></html>`

const loggedOutShell = `<html><body>
<a href="/Account/LogOff">Çıkış</a>
<p>Üniversite Bilgi Yönetim Sistemi</p>
</body></html>`

const surveyGatePage = `<html><body>
<div>SURVEY LAYOUT</div>
<a class="btn" href="/survey/form">Anketi açmak için tıklayınız</a>
</body></html>`

const surveyFormPage = `<html><body>
<form action="/survey/submit" method="post">
  <input type="hidden" name="SurveyId" value="7">
  <input type="radio" name="q1" value="5">
  <input type="radio" name="q1" value="4">
  <button type="submit" name="gonder" value="1">Gönder</button>
</form>
</body></html>`

func coursesPage(rows ...string) string {
	return `<html><body><div class="table-responsive"><table><tbody>` +
		strings.Join(rows, "\n") + `</tbody></table></div></body></html>`
}

func courseRows(name string, exams ...[2]string) string {
	var sb strings.Builder
	sb.WriteString(`<tr><td rowspan="2">+</td><td>` + name + `</td></tr><tr><td><table>`)
	for _, e := range exams {
		sb.WriteString(`<tr><td>` + e[0] + `</td><td>` + e[1] + `</td></tr>`)
	}
	sb.WriteString(`</table></td></tr>`)
	return sb.String()
}

// portalServer fakes enough of the UBYS portal for the poll pipeline: login
// page with CSRF token, login POST that sets a session cookie, a grades page
// whose body tests can swap, and a survey form flow.
type portalServer struct {
	srv *httptest.Server

	mu            sync.Mutex
	grades        string
	failGrades    bool
	loginPosts    int
	gradesGets    int
	surveySubmits int
	afterSurvey   string // survey submit swaps the grades body to this
}

func newPortalServer(t *testing.T, gradesHTML string) *portalServer {
	t.Helper()
	p := &portalServer{grades: gradesHTML}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, testLoginPage)
	})
	mux.HandleFunc("/Account/Login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		_ = r.ParseForm()
		p.mu.Lock()
		p.loginPosts++
		p.mu.Unlock()
		if r.PostFormValue("__RequestVerificationToken") == "" {
			http.Error(w, "missing token", http.StatusBadRequest)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "ASP.NET_SessionId", Value: "sess-1", Path: "/"})
	})
	mux.HandleFunc("/grades", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		body, fail := p.grades, p.failGrades
		p.gradesGets++
		p.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, body)
	})
	mux.HandleFunc("/survey/form", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, surveyFormPage)
	})
	mux.HandleFunc("/survey/submit", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		p.mu.Lock()
		p.surveySubmits++
		if p.afterSurvey != "" {
			p.grades = p.afterSurvey
			p.afterSurvey = ""
		}
		p.mu.Unlock()
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *portalServer) gradesURL() string { return p.srv.URL + "/grades" }

func (p *portalServer) setGrades(html string) {
	p.mu.Lock()
	p.grades = html
	p.mu.Unlock()
}

func (p *portalServer) setFail(v bool) {
	p.mu.Lock()
	p.failGrades = v
	p.mu.Unlock()
}

func (p *portalServer) counts() (logins, gets, submits int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginPosts, p.gradesGets, p.surveySubmits
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []kit.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n kit.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) all() []kit.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kit.Notification(nil), f.sent...)
}

func (f *fakeNotifier) byChannel(ch string) []kit.Notification {
	var out []kit.Notification
	for _, n := range f.all() {
		if n.Channel == ch {
			out = append(out, n)
		}
	}
	return out
}

type fakeScheduler struct {
	mu        sync.Mutex
	intervals map[string]time.Duration
	timeouts  map[string]time.Duration
	crons     map[string]string
	dailies   map[string]string
	jobs      map[string]func(context.Context) error
	removed   []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		intervals: map[string]time.Duration{},
		timeouts:  map[string]time.Duration{},
		crons:     map[string]string{},
		dailies:   map[string]string{},
		jobs:      map[string]func(context.Context) error{},
	}
}

func (f *fakeScheduler) AddIntervalOpt(name string, every, timeout time.Duration, _ scheduler.TaskOptions, job func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intervals[name] = every
	f.timeouts[name] = timeout
	f.jobs[name] = job
	return name, nil
}

func (f *fakeScheduler) AddCronOpt(name, spec string, timeout time.Duration, _ scheduler.TaskOptions, job func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crons[name] = spec
	f.timeouts[name] = timeout
	f.jobs[name] = job
	return name, nil
}

func (f *fakeScheduler) AddDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dailies[name] = atHHMM
	f.timeouts[name] = timeout
	f.jobs[name] = job
	return name, nil
}

func (f *fakeScheduler) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	delete(f.intervals, name)
	delete(f.crons, name)
	delete(f.dailies, name)
	delete(f.jobs, name)
	return true
}

func (f *fakeScheduler) job(name string) func(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[name]
}

func (f *fakeScheduler) removedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func testAccount(name, gradesURL string) Account {
	return Account{
		Name:      name,
		Username:  "u-" + name,
		Password:  "hunter2",
		GradesURL: gradesURL,
		Enabled:   true,
	}
}

// newTestService builds a Service without the shared portal rate budget so
// tests don't sleep between requests.
func newTestService(t *testing.T, cfg Config, sched Scheduler, notif Notifier, store storage.Store, bus eventbus.Bus) *Service {
	t.Helper()
	s := &Service{
		log:     logx.Nop(),
		bus:     bus,
		sched:   sched,
		notif:   notif,
		store:   store,
		states:  map[string]*accountState{},
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
	return s
}

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{
		Telegram: config.TelegramConfig{DefaultChatID: 42},
		Monitor: config.MonitorConfig{
			Enabled:  true,
			Interval: "90s",
			Survey:   config.SurveyConfig{AutoComplete: true, Notify: true},
			Accounts: []config.Account{{
				Name:      "ayse",
				Username:  "20200001",
				Password:  "pw",
				GradesURL: "https://ubys.example.edu/AIS/Student/Class/Index",
				ChatID:    7,
				Enabled:   true,
			}},
		},
		Scheduler: config.SchedulerConfig{Digest: "08:30"},
	}

	m := FromConfig(cfg)
	if !m.Enabled {
		t.Fatal("Enabled = false")
	}
	if m.Interval != 90*time.Second {
		t.Fatalf("Interval = %v, want 90s", m.Interval)
	}
	if m.Timeout != 10*time.Second {
		t.Fatalf("Timeout default = %v, want 10s", m.Timeout)
	}
	if m.Parallel != 3 {
		t.Fatalf("Parallel default = %d, want 3", m.Parallel)
	}
	if m.SessionTTL != 30*time.Minute {
		t.Fatalf("SessionTTL default = %v, want 30m", m.SessionTTL)
	}
	if !m.Survey.AutoComplete || !m.Survey.Notify {
		t.Fatalf("Survey = %+v", m.Survey)
	}
	if m.DefaultChatID != 42 {
		t.Fatalf("DefaultChatID = %d", m.DefaultChatID)
	}
	if m.Digest != "08:30" {
		t.Fatalf("Digest = %q", m.Digest)
	}
	if len(m.Accounts) != 1 || m.Accounts[0].Name != "ayse" || m.Accounts[0].ChatID != 7 {
		t.Fatalf("Accounts = %+v", m.Accounts)
	}

	def := FromConfig(nil)
	if def.Interval != 5*time.Second {
		t.Fatalf("nil config Interval = %v, want 5s", def.Interval)
	}
}

func TestRegisterSchedules(t *testing.T) {
	sched := newFakeScheduler()
	cfg := Config{
		Enabled:  true,
		Interval: time.Minute,
		Timeout:  10 * time.Second,
		Digest:   "08:30",
		Accounts: []Account{
			testAccount("ayse", "https://ubys.example.edu/grades"),
			{Name: "kapali", Username: "u", Password: "p", GradesURL: "https://ubys.example.edu/grades", Enabled: false},
		},
	}
	s := New(cfg, sched, &fakeNotifier{}, nil, logx.Nop(), nil)
	s.Start(context.Background())

	if got := sched.intervals["monitor.poll.ayse"]; got != time.Minute {
		t.Fatalf("poll interval = %v, want 1m", got)
	}
	if got := sched.timeouts["monitor.poll.ayse"]; got != pollTaskTimeout(10*time.Second) {
		t.Fatalf("poll timeout = %v, want %v", got, pollTaskTimeout(10*time.Second))
	}
	if _, ok := sched.intervals["monitor.poll.kapali"]; ok {
		t.Fatal("disabled account got a schedule")
	}
	if got := sched.dailies["monitor.digest"]; got != "08:30" {
		t.Fatalf("digest daily = %q, want 08:30", got)
	}

	// A cron digest spec routes through AddCronOpt instead.
	cfg.Digest = "0 8 * * 1"
	s.Apply(cfg)
	if got := sched.crons["monitor.digest"]; got != "0 8 * * 1" {
		t.Fatalf("digest cron = %q", got)
	}

	s.Stop(context.Background())
	removed := sched.removedNames()
	var sawPoll, sawDigest bool
	for _, name := range removed {
		if name == "monitor.poll.ayse" {
			sawPoll = true
		}
		if name == "monitor.digest" {
			sawDigest = true
		}
	}
	if !sawPoll || !sawDigest {
		t.Fatalf("Stop removed = %v", removed)
	}
}

func TestRegisterSchedulesAccountOverride(t *testing.T) {
	sched := newFakeScheduler()

	cronAcct := testAccount("gece", "https://ubys.example.edu/grades")
	cronAcct.Schedule = "0 8-22 * * *"
	durAcct := testAccount("yavas", "https://ubys.example.edu/grades")
	durAcct.Schedule = "02:30"
	badAcct := testAccount("bozuk", "https://ubys.example.edu/grades")
	badAcct.Schedule = "not-a-schedule"

	cfg := Config{
		Enabled:  true,
		Interval: time.Minute,
		Timeout:  10 * time.Second,
		Accounts: []Account{cronAcct, durAcct, badAcct},
	}
	s := New(cfg, sched, &fakeNotifier{}, nil, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if got := sched.crons["monitor.poll.gece"]; got != "0 8-22 * * *" {
		t.Fatalf("cron override = %q, want the account's cron spec", got)
	}
	if got := sched.intervals["monitor.poll.yavas"]; got != 2*time.Hour+30*time.Minute {
		t.Fatalf("HH:MM override = %v, want 2h30m", got)
	}
	// An unparsable override falls back to the shared interval.
	if got := sched.intervals["monitor.poll.bozuk"]; got != time.Minute {
		t.Fatalf("fallback interval = %v, want 1m", got)
	}
}

func TestPollBaselineThenChange(t *testing.T) {
	srv := newPortalServer(t, coursesPage(courseRows("Matematik I", [2]string{"Ara Sınav", "85"})))
	notif := &fakeNotifier{}
	store := openTestStore(t)

	acct := testAccount("ayse", srv.gradesURL())
	acct.ChatID = 100
	cfg := Config{Enabled: true, Accounts: []Account{acct}, DefaultChatID: 900}
	s := newTestService(t, cfg, nil, notif, store, nil)

	ctx := context.Background()
	res, err := s.pollAccount(ctx, "ayse")
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if !res.Baseline || res.Changed {
		t.Fatalf("first poll result = %+v, want baseline", res)
	}
	base := notif.byChannel("grades.baseline")
	if len(base) != 1 {
		t.Fatalf("baseline notifications = %d, want 1", len(base))
	}
	if base[0].Target.ChatID != 100 {
		t.Fatalf("baseline target = %d, want account chat 100", base[0].Target.ChatID)
	}
	if !strings.Contains(base[0].Text, "Matematik I") || !strings.Contains(base[0].Text, "85") {
		t.Fatalf("baseline text = %q", base[0].Text)
	}

	// Same page again: no change, no new notifications.
	res, err = s.pollAccount(ctx, "ayse")
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if res.Baseline || res.Changed {
		t.Fatalf("second poll result = %+v, want unchanged", res)
	}
	if got := len(notif.all()); got != 1 {
		t.Fatalf("notifications after unchanged poll = %d, want 1", got)
	}

	// Score entered + a brand new course.
	srv.setGrades(coursesPage(
		courseRows("Matematik I", [2]string{"Ara Sınav", "90"}),
		courseRows("Fizik II", [2]string{"Final", "70"}),
	))
	res, err = s.pollAccount(ctx, "ayse")
	if err != nil {
		t.Fatalf("third poll: %v", err)
	}
	if !res.Changed || res.New != 1 || res.Updated != 1 || res.Removed != 0 {
		t.Fatalf("third poll result = %+v", res)
	}
	ups := notif.byChannel("grades.update")
	if len(ups) != 1 {
		t.Fatalf("update notifications = %d, want 1", len(ups))
	}
	if ups[0].Priority != notifier.PriorityWarning {
		t.Fatalf("update priority = %d, want %d", ups[0].Priority, notifier.PriorityWarning)
	}
	if !strings.Contains(ups[0].Text, "85 → 90") || !strings.Contains(ups[0].Text, "Fizik II") {
		t.Fatalf("update text = %q", ups[0].Text)
	}

	// A fresh service over the same store picks the snapshot up instead of
	// re-baselining.
	notif2 := &fakeNotifier{}
	s2 := newTestService(t, cfg, nil, notif2, store, nil)
	res, err = s2.pollAccount(ctx, "ayse")
	if err != nil {
		t.Fatalf("restart poll: %v", err)
	}
	if res.Baseline || res.Changed {
		t.Fatalf("restart poll result = %+v, want unchanged", res)
	}
	if got := len(notif2.all()); got != 0 {
		t.Fatalf("restart notifications = %d, want 0", got)
	}
}

func TestPollSurveyAutoComplete(t *testing.T) {
	srv := newPortalServer(t, surveyGatePage)
	srv.mu.Lock()
	srv.afterSurvey = coursesPage(courseRows("Kimya I", [2]string{"Ara Sınav", "60"}))
	srv.mu.Unlock()

	notif := &fakeNotifier{}
	acct := testAccount("ayse", srv.gradesURL())
	cfg := Config{
		Enabled:       true,
		Survey:        SurveyPolicy{AutoComplete: true, Notify: true},
		Accounts:      []Account{acct},
		DefaultChatID: 900,
	}
	s := newTestService(t, cfg, nil, notif, nil, nil)

	res, err := s.pollAccount(context.Background(), "ayse")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !res.Baseline {
		t.Fatalf("result = %+v, want baseline after survey", res)
	}
	if _, _, submits := srv.counts(); submits != 1 {
		t.Fatalf("survey submits = %d, want 1", submits)
	}
	alerts := notif.byChannel("monitor.survey")
	if len(alerts) != 1 || alerts[0].Priority != notifier.PriorityCritical {
		t.Fatalf("survey alerts = %+v", alerts)
	}
	if len(notif.byChannel("grades.baseline")) != 1 {
		t.Fatal("missing baseline notification after survey completion")
	}
}

func TestPollSurveyParkedWithoutAutoComplete(t *testing.T) {
	srv := newPortalServer(t, surveyGatePage)
	notif := &fakeNotifier{}
	acct := testAccount("ayse", srv.gradesURL())
	cfg := Config{
		Enabled:       true,
		Survey:        SurveyPolicy{AutoComplete: false, Notify: true},
		Accounts:      []Account{acct},
		DefaultChatID: 900,
	}
	s := newTestService(t, cfg, nil, notif, nil, nil)

	res, err := s.pollAccount(context.Background(), "ayse")
	if err == nil {
		t.Fatal("poll succeeded through a survey gate")
	}
	if !engine.IsNoRetry(err) {
		t.Fatalf("survey gate error should not be retried, got %v", err)
	}
	if !strings.Contains(res.Err, "survey") {
		t.Fatalf("result err = %q", res.Err)
	}
	if _, _, submits := srv.counts(); submits != 0 {
		t.Fatalf("survey submits = %d, want 0", submits)
	}
	if len(notif.byChannel("monitor.survey")) != 1 {
		t.Fatal("missing survey alert")
	}
}

func TestPollLoggedOutDropsSession(t *testing.T) {
	srv := newPortalServer(t, loggedOutShell)
	acct := testAccount("ayse", srv.gradesURL())
	cfg := Config{Enabled: true, Accounts: []Account{acct}, DefaultChatID: 900}
	s := newTestService(t, cfg, nil, &fakeNotifier{}, nil, nil)

	ctx := context.Background()
	_, err := s.pollAccount(ctx, "ayse")
	if err == nil {
		t.Fatal("poll succeeded on logged-out shell")
	}
	if engine.IsNoRetry(err) {
		t.Fatalf("stale session should stay retryable, got %v", err)
	}
	if !strings.Contains(err.Error(), "session rejected") {
		t.Fatalf("err = %v", err)
	}
	if snap := s.Snapshot(); snap.Accounts[0].LoggedIn {
		t.Fatal("session not invalidated")
	}

	// Next poll starts from a fresh login.
	logins1, _, _ := srv.counts()
	_, _ = s.pollAccount(ctx, "ayse")
	logins2, _, _ := srv.counts()
	if logins2 != logins1+1 {
		t.Fatalf("logins = %d after retry, want %d", logins2, logins1+1)
	}
}

func TestErrorStreakAlertsOnce(t *testing.T) {
	srv := newPortalServer(t, coursesPage(courseRows("Matematik I", [2]string{"Ara Sınav", "85"})))
	srv.setFail(true)
	notif := &fakeNotifier{}
	acct := testAccount("ayse", srv.gradesURL())
	cfg := Config{Enabled: true, Accounts: []Account{acct}, DefaultChatID: 900}
	s := newTestService(t, cfg, nil, notif, nil, nil)

	ctx := context.Background()
	for i := 0; i < alertAfterFailures; i++ {
		if _, err := s.pollAccount(ctx, "ayse"); err == nil {
			t.Fatalf("poll %d succeeded, want failure", i+1)
		}
	}
	if got := len(notif.byChannel("monitor.error")); got != 1 {
		t.Fatalf("error alerts after %d failures = %d, want 1", alertAfterFailures, got)
	}
	if notif.byChannel("monitor.error")[0].Priority != notifier.PriorityError {
		t.Fatal("error alert priority mismatch")
	}

	// Streak keeps growing without repeating the alert.
	if _, err := s.pollAccount(ctx, "ayse"); err == nil {
		t.Fatal("poll succeeded, want failure")
	}
	if got := len(notif.byChannel("monitor.error")); got != 1 {
		t.Fatalf("error alerts after extra failure = %d, want 1", got)
	}
	if snap := s.Snapshot(); snap.Accounts[0].ErrStreak != alertAfterFailures+1 {
		t.Fatalf("ErrStreak = %d, want %d", snap.Accounts[0].ErrStreak, alertAfterFailures+1)
	}

	// Recovery closes the loop and resets the streak.
	srv.setFail(false)
	if _, err := s.pollAccount(ctx, "ayse"); err != nil {
		t.Fatalf("recovery poll: %v", err)
	}
	if got := len(notif.byChannel("monitor.recovered")); got != 1 {
		t.Fatalf("recovered notifications = %d, want 1", got)
	}
	snap := s.Snapshot()
	if snap.Accounts[0].ErrStreak != 0 || snap.Accounts[0].LastErr != "" {
		t.Fatalf("state after recovery = %+v", snap.Accounts[0])
	}
}

func TestPauseSkipsScheduledTicks(t *testing.T) {
	srv := newPortalServer(t, coursesPage(courseRows("Matematik I", [2]string{"Ara Sınav", "85"})))
	sched := newFakeScheduler()
	notif := &fakeNotifier{}
	acct := testAccount("ayse", srv.gradesURL())
	cfg := Config{Enabled: true, Accounts: []Account{acct}, DefaultChatID: 900}
	s := newTestService(t, cfg, sched, notif, nil, eventbus.New())
	s.Start(context.Background())

	job := sched.job("monitor.poll.ayse")
	if job == nil {
		t.Fatal("poll job not registered")
	}

	if !s.Pause() {
		t.Fatal("Pause reported no change")
	}
	if s.Pause() {
		t.Fatal("second Pause reported a change")
	}
	if err := job(context.Background()); err != nil {
		t.Fatalf("paused tick: %v", err)
	}
	if _, gets, _ := srv.counts(); gets != 0 {
		t.Fatalf("grades fetched while paused: %d", gets)
	}

	if !s.Resume() {
		t.Fatal("Resume reported no change")
	}
	if err := job(context.Background()); err != nil {
		t.Fatalf("resumed tick: %v", err)
	}
	if _, gets, _ := srv.counts(); gets == 0 {
		t.Fatal("no grades fetch after resume")
	}
	if s.Paused() {
		t.Fatal("Paused() = true after resume")
	}
}

func TestCheckNowOrderAndUnknownNames(t *testing.T) {
	srv := newPortalServer(t, coursesPage(courseRows("Matematik I", [2]string{"Ara Sınav", "85"})))
	cfg := Config{
		Enabled:       true,
		Parallel:      2,
		Accounts:      []Account{testAccount("ayse", srv.gradesURL()), testAccount("mehmet", srv.gradesURL())},
		DefaultChatID: 900,
	}
	s := newTestService(t, cfg, nil, &fakeNotifier{}, nil, nil)

	results := s.CheckNow(context.Background(), []string{"mehmet", "ayse", "ghost"})
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Account != "mehmet" || results[1].Account != "ayse" || results[2].Account != "ghost" {
		t.Fatalf("result order = %v, %v, %v", results[0].Account, results[1].Account, results[2].Account)
	}
	if results[0].Err != "" || results[1].Err != "" {
		t.Fatalf("known accounts failed: %+v", results[:2])
	}
	if !strings.Contains(results[2].Err, "unknown account") {
		t.Fatalf("ghost err = %q", results[2].Err)
	}

	// Empty names covers every enabled account.
	all := s.CheckNow(context.Background(), nil)
	if len(all) != 2 {
		t.Fatalf("all results = %d, want 2", len(all))
	}
}

func TestDigest(t *testing.T) {
	srv := newPortalServer(t, coursesPage(courseRows("Matematik I", [2]string{"Ara Sınav", "85"})))
	notif := &fakeNotifier{}
	acct := testAccount("ayse", srv.gradesURL())
	cfg := Config{Enabled: true, Accounts: []Account{acct}, DefaultChatID: 77}
	s := newTestService(t, cfg, nil, notif, nil, nil)

	ctx := context.Background()
	if _, err := s.pollAccount(ctx, "ayse"); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := s.runDigest(ctx); err != nil {
		t.Fatalf("digest: %v", err)
	}
	got := notif.byChannel("monitor.digest")
	if len(got) != 1 {
		t.Fatalf("digest notifications = %d, want 1", len(got))
	}
	if got[0].Target.ChatID != 77 {
		t.Fatalf("digest target = %d, want 77", got[0].Target.ChatID)
	}
	if !strings.Contains(got[0].Text, "ayse") {
		t.Fatalf("digest text = %q", got[0].Text)
	}

	// Without a default chat the digest is skipped, not an error.
	cfg.DefaultChatID = 0
	s.Apply(cfg)
	if err := s.runDigest(ctx); err != nil {
		t.Fatalf("digest without chat: %v", err)
	}
	if len(notif.byChannel("monitor.digest")) != 1 {
		t.Fatal("digest sent without a default chat")
	}
}

func TestLastCoursesFallsBackToStore(t *testing.T) {
	srv := newPortalServer(t, coursesPage(courseRows("Matematik I", [2]string{"Ara Sınav", "85"})))
	store := openTestStore(t)
	acct := testAccount("ayse", srv.gradesURL())
	cfg := Config{Enabled: true, Accounts: []Account{acct}, DefaultChatID: 900}

	s := newTestService(t, cfg, nil, &fakeNotifier{}, store, nil)
	ctx := context.Background()
	if _, err := s.pollAccount(ctx, "ayse"); err != nil {
		t.Fatalf("poll: %v", err)
	}

	courses, _, ok, err := s.LastCourses(ctx, "ayse")
	if err != nil || !ok {
		t.Fatalf("LastCourses = ok=%v err=%v", ok, err)
	}
	if len(courses) != 1 || courses[0].Name != "Matematik I" {
		t.Fatalf("courses = %+v", courses)
	}

	// A fresh service reads through to the store.
	s2 := newTestService(t, cfg, nil, &fakeNotifier{}, store, nil)
	courses, at, ok, err := s2.LastCourses(ctx, "ayse")
	if err != nil || !ok {
		t.Fatalf("restart LastCourses = ok=%v err=%v", ok, err)
	}
	if len(courses) != 1 || at.IsZero() {
		t.Fatalf("restart courses = %+v at=%v", courses, at)
	}

	if _, _, _, err := s2.LastCourses(ctx, "ghost"); err == nil {
		t.Fatal("unknown account did not error")
	}
}

func TestPauseEventsOnBus(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	cfg := Config{Enabled: true, Accounts: []Account{testAccount("ayse", "https://ubys.example.edu/grades")}}
	s := newTestService(t, cfg, nil, &fakeNotifier{}, nil, bus)

	s.Pause()
	select {
	case ev := <-ch:
		if ev.Type != "monitor.paused" {
			t.Fatalf("event type = %q, want monitor.paused", ev.Type)
		}
		if st, ok := ev.Data.(StateEvent); !ok || !st.Paused {
			t.Fatalf("event data = %#v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no pause event")
	}

	s.Resume()
	select {
	case ev := <-ch:
		if ev.Type != "monitor.resumed" {
			t.Fatalf("event type = %q, want monitor.resumed", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no resume event")
	}
}
