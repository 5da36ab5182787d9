package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"ubysbot/internal/app"
	"ubysbot/internal/config"
	"ubysbot/internal/grades"
	"ubysbot/internal/portal"
	"ubysbot/internal/storage"
	logx "ubysbot/pkg/logx"
)

var (
	checkSave    bool
	checkVerbose bool
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [account]",
		Short: "Check grades once and print the result",
		Long: `Logs in, fetches and parses the grades page for one account (or for every
enabled account when no name is given) and prints the courses to stdout.
When storage is configured the result is diffed against the stored
snapshot; pass --save to also update it.

No Telegram message is sent. Useful for verifying credentials and for
inspecting what the daemon would see.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return runCheck(name)
		},
	}
	cmd.Flags().BoolVar(&checkSave, "save", false, "persist the fetched snapshot to storage")
	cmd.Flags().BoolVarP(&checkVerbose, "verbose", "v", false, "log portal traffic to stderr")
	return cmd
}

func runCheck(name string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := "error"
	if checkVerbose {
		level = "debug"
	}
	log := logx.NewConsole(level)

	accounts, err := selectAccounts(cfg, name)
	if err != nil {
		return err
	}

	store, _, err := app.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	if checkSave && store == nil {
		return errors.New("--save needs a storage section in the config")
	}

	timeout, err := config.ParseDurationOrDefault("monitor.timeout", cfg.Monitor.Timeout, 10*time.Second)
	if err != nil {
		return err
	}
	ttl, err := config.ParseDurationOrDefault("monitor.session_ttl", cfg.Monitor.SessionTTL, 30*time.Minute)
	if err != nil {
		return err
	}

	// One limiter across accounts, like the daemon: the portal sees a single
	// polite client even when everything is checked back to back.
	limiter := rate.NewLimiter(rate.Limit(2), 2)

	var failed []string
	for i, acct := range accounts {
		if i > 0 {
			fmt.Println()
		}
		if err := checkAccount(ctx, cfg, acct, timeout, ttl, limiter, store, log); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Printf("%s: check failed: %v\n", acct.Name, err)
			failed = append(failed, acct.Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d account(s) failed: %s", len(failed), len(accounts), strings.Join(failed, ", "))
	}
	return nil
}

// selectAccounts resolves the positional argument. A named account is checked
// even when disabled; the all-accounts form skips disabled ones.
func selectAccounts(cfg *config.Config, name string) ([]config.Account, error) {
	if name != "" {
		for _, a := range cfg.Monitor.Accounts {
			if strings.EqualFold(a.Name, name) {
				return []config.Account{a}, nil
			}
		}
		return nil, fmt.Errorf("account %q not found in config", name)
	}
	var out []config.Account
	for _, a := range cfg.Monitor.Accounts {
		if a.Enabled {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no enabled accounts in config")
	}
	return out, nil
}

func checkAccount(ctx context.Context, cfg *config.Config, acct config.Account, timeout, ttl time.Duration, limiter *rate.Limiter, store storage.Store, log logx.Logger) error {
	base := strings.TrimSpace(cfg.Monitor.BaseURL)
	if base == "" {
		derived, err := portal.BaseFromURL(acct.GradesURL)
		if err != nil {
			return err
		}
		base = derived
	}
	client, err := portal.New(
		portal.Credentials{Username: acct.Username, Password: acct.Password},
		portal.Config{BaseURL: base, Timeout: timeout, SessionTTL: ttl, Limiter: limiter},
		log.With(logx.String("account", acct.Name)),
	)
	if err != nil {
		return err
	}

	stop := startSpinner(" checking " + acct.Name + "...")
	current, err := fetchOnce(ctx, client, acct, cfg.Monitor.Survey.AutoComplete)
	stop()
	if err != nil {
		return err
	}

	var prev []grades.Course
	hadPrev := false
	if store != nil {
		rec, ok, err := store.GetSnapshot(ctx, acct.Name)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if ok {
			prev, err = grades.DecodeCourses(rec.Courses)
			if err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			hadPrev = true
		}
	}

	printCheckResult(os.Stdout, acct.Name, current, prev, hadPrev)

	if checkSave {
		raw, err := grades.EncodeCourses(current)
		if err != nil {
			return err
		}
		rec := storage.SnapshotRecord{Account: acct.Name, TakenAt: time.Now(), Courses: raw}
		if err := store.PutSnapshot(ctx, rec); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		fmt.Println("  snapshot saved")
	}
	return nil
}

// fetchOnce is the single-shot version of the monitor's fetch pipeline:
// session, survey gate, parse. No retries, no alerts.
func fetchOnce(ctx context.Context, client *portal.Client, acct config.Account, autoSurvey bool) ([]grades.Course, error) {
	if err := client.EnsureSession(ctx); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	page, err := client.FetchGrades(ctx, acct.GradesURL)
	if err != nil {
		return nil, fmt.Errorf("fetch grades: %w", err)
	}
	if page.Survey {
		if !autoSurvey {
			return nil, errors.New("a course survey is blocking the grades page; complete it in the portal or enable monitor.survey.auto_complete")
		}
		if err := client.CompleteSurvey(ctx, acct.GradesURL); err != nil {
			return nil, fmt.Errorf("complete survey: %w", err)
		}
		if page, err = client.FetchGrades(ctx, acct.GradesURL); err != nil {
			return nil, fmt.Errorf("refetch grades: %w", err)
		}
		if page.Survey {
			return nil, errors.New("survey still gating grades after auto-complete")
		}
	}
	list, err := grades.Parse(page.HTML)
	if err != nil {
		if errors.Is(err, grades.ErrNoCourseTable) && portal.LooksLoggedOut(page.HTML) {
			return nil, fmt.Errorf("session rejected by portal: %w", err)
		}
		return nil, fmt.Errorf("parse grades: %w", err)
	}
	return list, nil
}

func printCheckResult(w io.Writer, name string, current, prev []grades.Course, hadPrev bool) {
	exams := 0
	for _, c := range current {
		exams += len(c.Exams)
	}
	fmt.Fprintf(w, "%s: %d courses, %d entries\n", name, len(current), exams)

	if !hadPrev {
		for _, c := range current {
			fmt.Fprintf(w, "  %s\n", c.Name)
			for _, e := range c.Exams {
				fmt.Fprintf(w, "    %s: %s\n", e.Label, displayScore(e.Score))
			}
		}
		return
	}

	ch := grades.Diff(prev, current)
	if !ch.Changed() {
		fmt.Fprintln(w, "  no changes since last snapshot")
		return
	}
	for _, c := range ch.New {
		fmt.Fprintf(w, "  new    %s\n", c.Name)
		for _, e := range c.Exams {
			fmt.Fprintf(w, "         %s: %s\n", e.Label, displayScore(e.Score))
		}
	}
	for _, u := range ch.Updated {
		fmt.Fprintf(w, "  update %s\n", u.Name)
		if len(u.Changes) == 0 {
			fmt.Fprintln(w, "         entries reordered")
		}
		for _, e := range u.Changes {
			switch e.Kind {
			case grades.ExamAdded:
				fmt.Fprintf(w, "         %s: %s (new)\n", e.Label, displayScore(e.New))
			case grades.ExamRemoved:
				fmt.Fprintf(w, "         %s: %s (removed)\n", e.Label, displayScore(e.Old))
			default:
				fmt.Fprintf(w, "         %s: %s -> %s\n", e.Label, displayScore(e.Old), displayScore(e.New))
			}
		}
	}
	for _, c := range ch.Removed {
		fmt.Fprintf(w, "  gone   %s\n", c.Name)
	}
	if n := len(ch.Unchanged); n > 0 {
		fmt.Fprintf(w, "  (%d unchanged)\n", n)
	}
}

// The portal leaves the score cell empty until a grade is entered.
func displayScore(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// startSpinner shows progress on stderr so stdout stays parseable. Disabled
// when stderr is not a terminal.
func startSpinner(suffix string) func() {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return func() {}
	}
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	sp.Writer = os.Stderr
	sp.Suffix = suffix
	sp.Start()
	return sp.Stop
}
