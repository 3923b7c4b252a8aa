package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hazz-dev/uptimer/internal/check"
	"github.com/hazz-dev/uptimer/internal/checker"
)

// RecordStore persists one probe result and folds it into the stored rolling
// state of its check atomically. On success *c holds the stored check.
type RecordStore interface {
	Record(ctx context.Context, c *check.Check, r *check.Result) error
}

// Recorder turns probe outcomes into stored results and rolling check state.
type Recorder struct {
	store RecordStore
}

// NewRecorder returns a Recorder writing to store.
func NewRecorder(store RecordStore) *Recorder {
	return &Recorder{store: store}
}

// NewResult maps a probe outcome to an immutable result for c.
func NewResult(c check.Check, out checker.Outcome, now time.Time) check.Result {
	r := check.Result{
		ID:        uuid.NewString(),
		CheckID:   c.ID,
		Status:    check.StatusUnhealthy,
		Latency:   out.Elapsed,
		CreatedAt: now.UTC(),
	}
	if out.StatusCode != 0 {
		code := out.StatusCode
		r.HTTPStatus = &code
	}
	if out.Healthy {
		r.Status = check.StatusHealthy
	} else {
		r.Error = out.Error
		if r.Error == "" {
			r.Error = "probe failed"
		}
	}
	return r
}

// Record creates exactly one result for out and has the store fold it into
// the check's state in a single write. On error nothing has been stored and
// the returned check is the unchanged input.
func (rec *Recorder) Record(ctx context.Context, c check.Check, out checker.Outcome, now time.Time) (check.Check, check.Result, error) {
	r := NewResult(c, out, now)
	updated := c

	if err := rec.store.Record(ctx, &updated, &r); err != nil {
		return c, r, fmt.Errorf("recording result for %q: %w", c.Name, err)
	}
	return updated, r, nil
}
