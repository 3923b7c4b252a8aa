// Package checker probes monitored endpoints and classifies the outcome.
package checker

import (
	"context"
	"net/http"
	"time"

	"github.com/hazz-dev/uptimer/internal/check"
)

// Prober performs a single probe against a check.
type Prober interface {
	Probe(ctx context.Context, c check.Check) Outcome
}

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Outcome is the classified result of one probe.
type Outcome struct {
	Healthy bool
	Elapsed time.Duration
	// StatusCode is zero when no response was received.
	StatusCode int
	Error      string
}
