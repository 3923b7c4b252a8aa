// Package scheduler decides which checks are due, probes them concurrently
// and records the outcomes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazz-dev/uptimer/internal/check"
	"github.com/hazz-dev/uptimer/internal/checker"
	"github.com/hazz-dev/uptimer/internal/storage"
)

// DefaultTick is the polling granularity used when none is configured.
const DefaultTick = 40 * time.Second

// recordTimeout bounds a single record write once the probe has finished.
const recordTimeout = 10 * time.Second

// ErrBusy is returned by RunCheck when the check is already being probed.
var ErrBusy = errors.New("check is already running")

// errSkipped marks a tick unit whose check was deleted, paused or already
// run by another unit after the tick listed it.
var errSkipped = errors.New("check no longer due")

// Store defines the storage operations required by the scheduler.
type Store interface {
	ListActive(ctx context.Context) ([]check.Check, error)
	GetCheck(ctx context.Context, id string) (*check.Check, error)
	RecordStore
}

// Options tunes the scheduler loop.
type Options struct {
	// Tick is the fixed cadence at which due checks are selected.
	Tick time.Duration
	// Concurrency caps the probes running within one tick; 0 means no cap.
	Concurrency int
}

// Report summarises one tick.
type Report struct {
	Due int
	// Skipped counts due checks that were deleted, paused or run by a
	// manual run before their unit started.
	Skipped  int
	Results  []check.Result
	Failures map[string]error
}

// Scheduler runs due checks on a fixed tick.
type Scheduler struct {
	store    Store
	prober   checker.Prober
	recorder *Recorder
	opts     Options
	now      func() time.Time
	onResult func(prev, cur check.Check, r check.Result)
	logger   *slog.Logger

	tickMu   sync.Mutex
	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// New creates a new Scheduler. Pass nil logger to use the default logger.
func New(store Store, prober checker.Prober, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Concurrency < 0 {
		opts.Concurrency = 0
	}
	return &Scheduler{
		store:    store,
		prober:   prober,
		recorder: NewRecorder(store),
		opts:     opts,
		now:      time.Now,
		logger:   logger,
		inflight: make(map[string]bool),
	}
}

// SetClock replaces the scheduler's clock.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetOnResult sets the callback invoked after each recorded result.
// prev is the check state before the probe, cur the state after it.
func (s *Scheduler) SetOnResult(fn func(prev, cur check.Check, r check.Result)) {
	s.onResult = fn
}

// Start runs the tick loop in a goroutine. It is non-blocking.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(ctx)
	}()
}

// Wait blocks until the loop started by Start has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Run ticks immediately and then every Options.Tick until ctx is cancelled.
// Ticks never overlap: the next one starts only after every probe of the
// previous one has settled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick", s.opts.Tick, "concurrency", s.opts.Concurrency)
	for {
		if _, err := s.RunDueChecksOnce(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.logger.Error("running tick", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunDueChecksOnce performs one tick: it reads the active checks, selects
// those due at now and probes them concurrently, returning once all of them
// have been recorded or have failed. Per-check failures are collected in the
// report; only a failure to list checks is returned as an error.
func (s *Scheduler) RunDueChecksOnce(ctx context.Context, now time.Time) (Report, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	checks, err := s.store.ListActive(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("listing active checks: %w", err)
	}

	due := SelectDue(checks, now)
	report := Report{Due: len(due), Failures: make(map[string]error)}
	if len(due) == 0 {
		return report, nil
	}
	s.logger.Debug("tick", "active", len(checks), "due", len(due))

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	if s.opts.Concurrency > 0 {
		g.SetLimit(s.opts.Concurrency)
	}
	for _, c := range due {
		c := c
		g.Go(func() error {
			r, err := s.runUnit(ctx, c, &now)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, errSkipped) {
				report.Skipped++
				return nil
			}
			if err != nil {
				report.Failures[c.ID] = err
			} else {
				report.Results = append(report.Results, r)
			}
			// Failures stay with their check; siblings keep running.
			return nil
		})
	}
	g.Wait()
	return report, nil
}

// RunCheck probes c immediately, outside the tick, and records the result.
// It probes the stored version of c and fails with storage's not-found error
// when c has been deleted.
func (s *Scheduler) RunCheck(ctx context.Context, c check.Check) (check.Result, error) {
	return s.runUnit(ctx, c, nil)
}

// runUnit probes and records one check. tickAt is the tick's time, or nil for
// a manual run.
func (s *Scheduler) runUnit(ctx context.Context, c check.Check, tickAt *time.Time) (r check.Result, err error) {
	if !s.acquire(c.ID) {
		return r, fmt.Errorf("check %q: %w", c.Name, ErrBusy)
	}
	defer s.release(c.ID)

	// The caller's copy may predate another unit for the same check.
	fresh, err := s.store.GetCheck(ctx, c.ID)
	switch {
	case err != nil && tickAt != nil && errors.Is(err, storage.ErrNotFound):
		return r, errSkipped
	case err != nil:
		return r, fmt.Errorf("loading check %q: %w", c.Name, err)
	case tickAt != nil && (!fresh.Active || !check.DueToRun(*fresh, *tickAt)):
		s.logger.Debug("skipping check no longer due", "check", fresh.Name, "id", fresh.ID)
		return r, errSkipped
	}
	c = *fresh
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("check %q: panic: %v", c.Name, p)
			s.logger.Error("probe panicked", "check", c.Name, "id", c.ID, "panic", p)
		}
	}()

	out := s.prober.Probe(ctx, c)
	if ctx.Err() != nil {
		s.logger.Warn("abandoning probe on shutdown", "check", c.Name, "id", c.ID)
		return r, fmt.Errorf("check %q abandoned: %w", c.Name, ctx.Err())
	}

	// The write is all-or-nothing; let it finish even if shutdown begins.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	updated, r, err := s.recorder.Record(rctx, c, out, s.now())
	if err != nil {
		s.logger.Error("storing check result", "check", c.Name, "id", c.ID, "error", err)
		return r, err
	}

	s.logger.Info("check result",
		"check", c.Name,
		"status", r.Status,
		"latency", r.Latency,
		"consecutive_fails", updated.ConsecutiveFails,
		"error", r.Error,
	)

	if s.onResult != nil {
		s.onResult(c, updated, r)
	}
	return r, nil
}

func (s *Scheduler) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
