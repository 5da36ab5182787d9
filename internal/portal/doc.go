// Package portal is the HTTP client for the UBYS student portal.
//
// A Client holds one account's authenticated session: it scrapes the CSRF
// token off the login page, posts the login form, and keeps the cookie
// session alive until the configured TTL, after which EnsureSession logs in
// again. FetchGrades retrieves the grades page and flags the course-survey
// interstitial the portal sometimes swaps in; CompleteSurvey can answer that
// survey so the grades page becomes reachable again.
//
// The client never interprets grade tables; that is internal/grades.
package portal
