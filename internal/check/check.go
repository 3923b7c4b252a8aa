// Package check defines monitored endpoint definitions, their rolling state,
// and the immutable results recorded for each probe.
package check

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the observed health of a check or a single result.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Defaults applied to fields left empty when a check is created.
const (
	DefaultMethod         = http.MethodGet
	DefaultInterval       = 60 * time.Second
	DefaultTimeout        = 10 * time.Second
	DefaultExpectedStatus = http.StatusOK
)

var validMethods = map[string]bool{
	http.MethodGet:  true,
	http.MethodHead: true,
}

// Check is a monitored endpoint definition plus its latest rolling status.
type Check struct {
	ID             string
	Name           string
	URL            string
	Method         string
	Interval       time.Duration
	Timeout        time.Duration
	ExpectedStatus int
	Active         bool

	LastStatus       Status
	LastLatency      *time.Duration
	ConsecutiveFails int
	LastRunAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Result is the immutable record of one probe attempt.
type Result struct {
	ID         string
	CheckID    string
	Status     Status
	Latency    time.Duration
	HTTPStatus *int
	Error      string
	CreatedAt  time.Time
}

// ValidationError reports a check field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Spec holds the user-supplied fields of a new check. Zero values are
// replaced by the package defaults.
type Spec struct {
	Name           string
	URL            string
	Method         string
	Interval       time.Duration
	Timeout        time.Duration
	ExpectedStatus int
	Active         *bool
}

// New builds a validated check from spec, assigning a fresh ID and the
// initial rolling state.
func New(spec Spec, now time.Time) (*Check, error) {
	c := &Check{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(spec.Name),
		URL:            strings.TrimSpace(spec.URL),
		Method:         strings.ToUpper(strings.TrimSpace(spec.Method)),
		Interval:       spec.Interval,
		Timeout:        spec.Timeout,
		ExpectedStatus: spec.ExpectedStatus,
		Active:         true,
		LastStatus:     StatusUnknown,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
	if spec.Active != nil {
		c.Active = *spec.Active
	}
	if c.Method == "" {
		c.Method = DefaultMethod
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ExpectedStatus == 0 {
		c.ExpectedStatus = DefaultExpectedStatus
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the definition fields. It returns a *ValidationError for
// the first offending field.
func (c *Check) Validate() error {
	if c.Name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if c.URL == "" {
		return &ValidationError{Field: "url", Reason: "is required"}
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return &ValidationError{Field: "url", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &ValidationError{Field: "url", Reason: "host is required"}
	}
	if !validMethods[c.Method] {
		return &ValidationError{Field: "method", Reason: fmt.Sprintf("%q is not one of GET, HEAD", c.Method)}
	}
	// Durations are stored in whole milliseconds.
	if c.Interval < time.Millisecond {
		return &ValidationError{Field: "interval", Reason: "must be at least 1ms"}
	}
	if c.Timeout < time.Millisecond {
		return &ValidationError{Field: "timeout", Reason: "must be at least 1ms"}
	}
	if c.ExpectedStatus < 100 || c.ExpectedStatus > 599 {
		return &ValidationError{Field: "expected_status", Reason: fmt.Sprintf("%d is not an HTTP status code", c.ExpectedStatus)}
	}
	if c.ConsecutiveFails < 0 {
		return &ValidationError{Field: "consecutive_fails", Reason: "must not be negative"}
	}
	return nil
}

// DueToRun reports whether c should be probed at now: it has never run, or
// at least one interval has elapsed since its last run.
func DueToRun(c Check, now time.Time) bool {
	if c.LastRunAt == nil {
		return true
	}
	return now.Sub(*c.LastRunAt) >= c.Interval
}

// Observe folds the result r into the rolling state of c.
// LastRunAt never moves backwards.
func (c *Check) Observe(r Result) {
	latency := r.Latency
	c.LastLatency = &latency
	c.LastStatus = r.Status
	if r.Status == StatusHealthy {
		c.ConsecutiveFails = 0
	} else {
		c.ConsecutiveFails++
	}
	at := r.CreatedAt
	if c.LastRunAt == nil || at.After(*c.LastRunAt) {
		c.LastRunAt = &at
	}
	c.UpdatedAt = at
}
