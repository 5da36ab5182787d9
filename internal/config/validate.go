package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is shared across calls; it is safe for concurrent use and caches
// struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// accountNameRe limits names to characters safe for task names, storage keys
// and file names (snapshots are keyed by account name).
var accountNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate checks the static shape of the config: required account fields,
// URL syntax, unique names and parsable durations. Component-level mapping
// in the app adds runtime checks (timezone, digest spec, storage driver).
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q constraint", friendlyFieldPath(fe.Namespace()), fe.Tag())
		}
		return err
	}

	// Account names must be unique (they key schedules and snapshots).
	seen := make(map[string]int, len(c.Monitor.Accounts))
	for i, a := range c.Monitor.Accounts {
		name := strings.TrimSpace(a.Name)
		if !accountNameRe.MatchString(name) {
			return fmt.Errorf("monitor.accounts[%d].name: %q must match %s", i, a.Name, accountNameRe.String())
		}
		if j, dup := seen[name]; dup {
			return fmt.Errorf("monitor.accounts[%d].name: duplicate of accounts[%d] (%q)", i, j, name)
		}
		seen[name] = i
	}

	// Durations
	for _, f := range []struct{ key, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"monitor.interval", c.Monitor.Interval},
		{"monitor.timeout", c.Monitor.Timeout},
		{"monitor.session_ttl", c.Monitor.SessionTTL},
	} {
		if _, err := ParseDurationField(f.key, f.raw); err != nil {
			return err
		}
	}
	if c.Monitor.Parallel < 0 {
		return errors.New("monitor.parallel must be >= 0")
	}

	if base := strings.TrimSpace(c.Monitor.BaseURL); base != "" {
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("monitor.base_url: invalid URL %q", base)
		}
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	return nil
}

// friendlyFieldPath turns validator's namespace ("Config.Monitor.Accounts[1].GradesURL")
// into config-file notation ("monitor.accounts[1].grades_url").
func friendlyFieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	var b strings.Builder
	for i, r := range ns {
		switch {
		case r >= 'A' && r <= 'Z':
			if i > 0 && ns[i-1] != '.' && ns[i-1] != '[' {
				prev := ns[i-1]
				if prev < 'A' || prev > 'Z' {
					b.WriteByte('_')
				}
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	// Collapse artifacts of initialisms (GradesURL -> grades_url, not grades_u_r_l).
	out := b.String()
	out = strings.ReplaceAll(out, "u_r_l", "url")
	out = strings.ReplaceAll(out, "t_t_l", "ttl")
	out = strings.ReplaceAll(out, "i_d", "id")
	return out
}
