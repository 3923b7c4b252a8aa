// Package uptime aggregates stored results into windowed uptime summaries.
package uptime

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hazz-dev/uptimer/internal/check"
)

// DefaultWindow is the summary window used when none is given.
const DefaultWindow = 24 * time.Hour

// ResultLister reads stored results for a check, newest first.
type ResultLister interface {
	ListResults(ctx context.Context, checkID string, since time.Time, limit int) ([]check.Result, error)
}

// Summary is the uptime of one check over a window.
type Summary struct {
	Window      string `json:"window"`
	TotalChecks int    `json:"total_checks"`
	Up          int    `json:"up"`
	UptimePct   int    `json:"uptime_pct"`
}

// Summarize computes the uptime of checkID over [now-window, now].
// With no results the total is reported as 1 and the uptime as 0.
func Summarize(ctx context.Context, store ResultLister, checkID string, window time.Duration, now time.Time) (Summary, error) {
	if window <= 0 {
		return Summary{}, fmt.Errorf("window must be positive, got %s", window)
	}
	results, err := store.ListResults(ctx, checkID, now.Add(-window), 0)
	if err != nil {
		return Summary{}, fmt.Errorf("listing results for summary: %w", err)
	}

	s := Summary{Window: Label(window)}
	for _, r := range results {
		if r.CreatedAt.After(now) {
			continue
		}
		s.TotalChecks++
		if r.Status == check.StatusHealthy {
			s.Up++
		}
	}
	if s.TotalChecks == 0 {
		s.TotalChecks = 1
	}
	s.UptimePct = int(math.Round(100 * float64(s.Up) / float64(s.TotalChecks)))
	return s, nil
}

// Label renders a window compactly: "7d", "24h", "30m", or the Go duration
// string when it is not a whole number of minutes.
func Label(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0 && d/(24*time.Hour) != 1:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}

// ParseWindow parses a window such as "24h", "90m" or "7d".
func ParseWindow(s string) (time.Duration, error) {
	if s == "" {
		return DefaultWindow, nil
	}
	var days int
	if n, err := fmt.Sscanf(s, "%dd", &days); err == nil && n == 1 && fmt.Sprintf("%dd", days) == s {
		if days <= 0 {
			return 0, fmt.Errorf("invalid window %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid window %q", s)
	}
	return d, nil
}
