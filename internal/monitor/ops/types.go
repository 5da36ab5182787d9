package ops

import "time"

// MonitorSnapshot is a point-in-time view of monitor runtime state.
//
// This package intentionally contains *data-only* operational types so both the
// command router and the monitor can depend on them without creating import
// cycles.
type MonitorSnapshot struct {
	Time     time.Time       `json:"time"`
	Paused   bool            `json:"paused"`
	Accounts []AccountStatus `json:"accounts"`
}

// AccountStatus captures per-account poll state.
type AccountStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	LoggedIn   bool      `json:"logged_in"`
	LastPoll   time.Time `json:"last_poll,omitempty"`
	LastChange time.Time `json:"last_change,omitempty"`
	LastErr    string    `json:"last_err,omitempty"`
	ErrStreak  int       `json:"err_streak,omitempty"`

	Courses int `json:"courses"`
	Exams   int `json:"exams"`
}

// CheckResult is a single on-demand poll outcome. Baseline marks the first
// observation for an account, where there is nothing to diff against yet.
type CheckResult struct {
	Account  string    `json:"account"`
	At       time.Time `json:"at"`
	Baseline bool      `json:"baseline,omitempty"`
	Changed  bool      `json:"changed"`
	New      int       `json:"new,omitempty"`
	Updated  int       `json:"updated,omitempty"`
	Removed  int       `json:"removed,omitempty"`
	Err      string    `json:"err,omitempty"`
}
