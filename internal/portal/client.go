package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	logx "ubysbot/pkg/logx"
)

var (
	ErrNoToken      = errors.New("verification token not found on login page")
	ErrLoggedOut    = errors.New("session logged out by portal")
	ErrNoSurveyLink = errors.New("survey link not found")
	ErrNoSurveyForm = errors.New("survey form not found")
)

// The portal rejects requests without a browser User-Agent.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const (
	loginPath = "/Account/Login"

	tokenField = "__RequestVerificationToken"

	// Page markers. The survey layout string is uppercase in the portal's
	// template; the prompt and logoff markers are matched case-insensitively.
	markerSurveyLayout = "SURVEY LAYOUT"
	markerSurveyPrompt = "anketi açmak için"
	markerLogoffTR     = "çıkış"
	markerLogoffEN     = "logoff"
)

// Body cap for portal pages; grades pages are a few hundred KB at most.
const maxBodyBytes = 8 << 20

// Credentials is one student login.
type Credentials struct {
	Username string
	Password string
}

// Config configures a portal client.
type Config struct {
	// BaseURL is the portal root, e.g. "https://ubys.omu.edu.tr".
	// The login form lives at BaseURL and posts to BaseURL+/Account/Login.
	BaseURL string

	// Timeout bounds each HTTP request. Default 10s.
	Timeout time.Duration

	// SessionTTL forces a fresh login after this much time on one session.
	// Default 30m.
	SessionTTL time.Duration

	UserAgent string

	// Limiter throttles requests to the portal. Pass a shared limiter so all
	// accounts together stay polite; nil gets a per-client default.
	Limiter *rate.Limiter
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Limiter == nil {
		c.Limiter = rate.NewLimiter(rate.Limit(2), 4)
	}
	return c
}

// Client holds one account's authenticated portal session.
// It is safe for concurrent use.
type Client struct {
	cfg   Config
	creds Credentials
	log   logx.Logger

	http *http.Client

	loginMu sync.Mutex // serializes login flows

	mu         sync.Mutex
	loggedInAt time.Time
}

func New(creds Credentials, cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		return nil, errors.New("username and password required")
	}
	cfg = cfg.withDefaults()
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("portal base url required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &Client{
		cfg:   cfg,
		creds: creds,
		log:   log,
		http:  &http.Client{Jar: jar, Timeout: cfg.Timeout},
	}, nil
}

// BaseFromURL derives the portal root (scheme://host) from any portal page
// URL, e.g. a grades URL.
func BaseFromURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no scheme/host", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// LoggedIn reports whether the client holds a session considered fresh.
func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.loggedInAt.IsZero() && time.Since(c.loggedInAt) < c.cfg.SessionTTL
}

// Invalidate discards the current session; the next EnsureSession logs in again.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.loggedInAt = time.Time{}
	c.mu.Unlock()
}

// EnsureSession logs in when there is no session or the session TTL expired.
func (c *Client) EnsureSession(ctx context.Context) error {
	if c.LoggedIn() {
		return nil
	}
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if c.LoggedIn() {
		return nil
	}
	return c.login(ctx)
}

// Login forces a fresh login regardless of session state.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	// Fresh jar so stale session cookies can't shadow the new login.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	c.mu.Lock()
	c.loggedInAt = time.Time{}
	c.http = &http.Client{Jar: jar, Timeout: c.cfg.Timeout}
	c.mu.Unlock()

	start := time.Now()

	page, err := c.get(ctx, c.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("login page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return fmt.Errorf("login page parse: %w", err)
	}
	token, ok := doc.Find(`input[name="` + tokenField + `"]`).First().Attr("value")
	if !ok || token == "" {
		return ErrNoToken
	}

	form := url.Values{
		"username": {c.creds.Username},
		"password": {c.creds.Password},
		tokenField: {token},
		"xmlhttp":  {"XMLHttpRequest"},
	}
	if _, err := c.postForm(ctx, c.cfg.BaseURL+loginPath, form); err != nil {
		return fmt.Errorf("login post: %w", err)
	}

	c.mu.Lock()
	c.loggedInAt = time.Now()
	c.mu.Unlock()

	c.log.Debug("portal login ok",
		logx.String("user", c.creds.Username),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// Page is one fetched portal page plus its classification.
type Page struct {
	HTML string

	// Survey marks a course-survey gate standing in for the grades page.
	Survey bool
}

// FetchGrades retrieves the grades page for this session.
//
// Logged-out detection happens at parse time, not here: a logged-in page
// carries its own logout link, so the logoff markers only mean anything
// when the course table is missing (see LooksLoggedOut).
func (c *Client) FetchGrades(ctx context.Context, gradesURL string) (Page, error) {
	html, err := c.get(ctx, gradesURL)
	if err != nil {
		return Page{}, err
	}
	return Page{HTML: html, Survey: LooksLikeSurvey(html)}, nil
}

// LooksLikeSurvey reports whether the page is the course-survey interstitial.
func LooksLikeSurvey(html string) bool {
	if strings.Contains(html, markerSurveyLayout) {
		return true
	}
	return strings.Contains(strings.ToLower(html), markerSurveyPrompt)
}

// LooksLoggedOut reports whether a page that failed to yield a course table
// reads like the logged-out portal shell.
func LooksLoggedOut(html string) bool {
	low := strings.ToLower(html)
	return strings.Contains(low, markerLogoffTR) || strings.Contains(low, markerLogoffEN)
}

func (c *Client) wait(ctx context.Context) error {
	lim := c.cfg.Limiter
	if lim == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return lim.Wait(ctx)
}

func (c *Client) get(ctx context.Context, rawURL string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	return c.do(req)
}

func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// httpClient returns the current client; login swaps it out wholesale so a
// fetch never sees a half-replaced cookie jar.
func (c *Client) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.http
}

func (c *Client) do(req *http.Request) (string, error) {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, req.URL)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}
	return string(b), nil
}

// resolveURL makes portal-relative hrefs absolute.
func (c *Client) resolveURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return c.cfg.BaseURL
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return c.cfg.BaseURL + href
}
