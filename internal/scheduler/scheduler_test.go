package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazz-dev/uptimer/internal/check"
	"github.com/hazz-dev/uptimer/internal/checker"
	"github.com/hazz-dev/uptimer/internal/scheduler"
	"github.com/hazz-dev/uptimer/internal/storage"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// mockStore keeps checks and results in memory.
type mockStore struct {
	mu      sync.Mutex
	checks  map[string]check.Check
	order   []string
	results []check.Result
	listErr error
	failIDs map[string]error
}

func newMockStore(checks ...check.Check) *mockStore {
	m := &mockStore{checks: make(map[string]check.Check), failIDs: make(map[string]error)}
	for _, c := range checks {
		m.checks[c.ID] = c
		m.order = append(m.order, c.ID)
	}
	return m
}

func (m *mockStore) ListActive(_ context.Context) ([]check.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []check.Check
	for _, id := range m.order {
		if c, ok := m.checks[id]; ok && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockStore) GetCheck(_ context.Context, id string) (*check.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

// Record folds r into the stored check, like the SQLite store does.
func (m *mockStore) Record(_ context.Context, c *check.Check, r *check.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failIDs[c.ID]; err != nil {
		return err
	}
	stored, ok := m.checks[c.ID]
	if !ok {
		return storage.ErrNotFound
	}
	stored.Observe(*r)
	m.checks[c.ID] = stored
	m.results = append(m.results, *r)
	*c = stored
	return nil
}

func (m *mockStore) update(id string, fn func(c *check.Check)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.checks[id]
	fn(&c)
	m.checks[id] = c
}

func (m *mockStore) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, id)
}

func (m *mockStore) get(id string) check.Check {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checks[id]
}

func (m *mockStore) resultsFor(id string) []check.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []check.Result
	for _, r := range m.results {
		if r.CheckID == id {
			out = append(out, r)
		}
	}
	return out
}

// fakeProber returns a fixed outcome per check ID.
type fakeProber struct {
	mu       sync.Mutex
	outcomes map[string]checker.Outcome
	calls    map[string]int
	block    func(ctx context.Context, c check.Check)
}

func newFakeProber() *fakeProber {
	return &fakeProber{outcomes: make(map[string]checker.Outcome), calls: make(map[string]int)}
}

func (p *fakeProber) set(id string, out checker.Outcome) {
	p.mu.Lock()
	p.outcomes[id] = out
	p.mu.Unlock()
}

func (p *fakeProber) Probe(ctx context.Context, c check.Check) checker.Outcome {
	if p.block != nil {
		p.block(ctx, c)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[c.ID]++
	if out, ok := p.outcomes[c.ID]; ok {
		return out
	}
	return checker.Outcome{Healthy: true, StatusCode: 200, Elapsed: 10 * time.Millisecond}
}

func (p *fakeProber) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

var (
	healthy  = checker.Outcome{Healthy: true, StatusCode: 200, Elapsed: 20 * time.Millisecond}
	mismatch = checker.Outcome{StatusCode: 503, Elapsed: 20 * time.Millisecond, Error: "expected status 200, got 503"}
	refused  = checker.Outcome{Elapsed: 5 * time.Millisecond, Error: "dial tcp 127.0.0.1:1: connect: connection refused"}
)

func makeCheck(id string) check.Check {
	return check.Check{
		ID:             id,
		Name:           id,
		URL:            "http://" + id + ".example.com",
		Method:         "GET",
		Interval:       time.Minute,
		Timeout:        time.Second,
		ExpectedStatus: 200,
		Active:         true,
		LastStatus:     check.StatusUnknown,
	}
}

// fixedClock returns a clock pinned to *at.
func fixedClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func newScheduler(store *mockStore, prober checker.Prober, now *time.Time) *scheduler.Scheduler {
	s := scheduler.New(store, prober, scheduler.Options{Tick: time.Hour}, nil)
	s.SetClock(fixedClock(now))
	return s
}

func TestRunDueChecksOnce_Healthy(t *testing.T) {
	store := newMockStore(makeCheck("api"))
	prober := newFakeProber()
	now := epoch
	s := newScheduler(store, prober, &now)

	report, err := s.RunDueChecksOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Due != 1 || len(report.Results) != 1 {
		t.Fatalf("expected 1 due and 1 result, got %+v", report)
	}

	c := store.get("api")
	if c.LastStatus != check.StatusHealthy {
		t.Errorf("expected healthy, got %q", c.LastStatus)
	}
	if c.ConsecutiveFails != 0 {
		t.Errorf("expected 0 consecutive fails, got %d", c.ConsecutiveFails)
	}
	if c.LastRunAt == nil || !c.LastRunAt.Equal(epoch) {
		t.Errorf("expected last run at %v, got %v", epoch, c.LastRunAt)
	}
	results := store.resultsFor("api")
	if len(results) != 1 || results[0].Status != check.StatusHealthy {
		t.Fatalf("expected one healthy result, got %+v", results)
	}
	if results[0].HTTPStatus == nil || *results[0].HTTPStatus != 200 {
		t.Errorf("expected http status 200, got %v", results[0].HTTPStatus)
	}
	if results[0].Error != "" {
		t.Errorf("expected no error on healthy result, got %q", results[0].Error)
	}
}

func TestRunDueChecksOnce_MismatchIncrementsFails(t *testing.T) {
	store := newMockStore(makeCheck("api"))
	prober := newFakeProber()
	prober.set("api", mismatch)
	now := epoch
	s := newScheduler(store, prober, &now)

	if _, err := s.RunDueChecksOnce(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	results := store.resultsFor("api")
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	r := results[0]
	if r.Status != check.StatusUnhealthy {
		t.Errorf("expected unhealthy, got %q", r.Status)
	}
	if r.HTTPStatus == nil || *r.HTTPStatus != 503 {
		t.Errorf("expected http status 503, got %v", r.HTTPStatus)
	}
	if r.Error != mismatch.Error {
		t.Errorf("expected mismatch error, got %q", r.Error)
	}
	if got := store.get("api").ConsecutiveFails; got != 1 {
		t.Errorf("expected 1 consecutive fail, got %d", got)
	}
}

func TestRunDueChecksOnce_TransportFailure(t *testing.T) {
	store := newMockStore(makeCheck("api"))
	prober := newFakeProber()
	prober.set("api", refused)
	now := epoch
	s := newScheduler(store, prober, &now)

	if _, err := s.RunDueChecksOnce(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	results := store.resultsFor("api")
	if len(results) != 1 {
		t.Fatalf("expected exactly one result, got %d", len(results))
	}
	if results[0].HTTPStatus != nil {
		t.Errorf("expected no http status, got %d", *results[0].HTTPStatus)
	}
	if results[0].Latency != refused.Elapsed {
		t.Errorf("expected latency %v, got %v", refused.Elapsed, results[0].Latency)
	}
	if results[0].Error == "" {
		t.Error("expected error description on transport failure")
	}
	c := store.get("api")
	if c.LastStatus != check.StatusUnhealthy || c.ConsecutiveFails != 1 || c.LastRunAt == nil {
		t.Errorf("unexpected check state %+v", c)
	}
}

func TestRunDueChecksOnce_ConsecutiveFailsAcrossTicks(t *testing.T) {
	store := newMockStore(makeCheck("api"))
	prober := newFakeProber()
	prober.set("api", refused)
	now := epoch
	s := newScheduler(store, prober, &now)

	for i := 1; i <= 4; i++ {
		if _, err := s.RunDueChecksOnce(context.Background(), now); err != nil {
			t.Fatal(err)
		}
		if got := store.get("api").ConsecutiveFails; got != i {
			t.Fatalf("after %d failures expected %d consecutive fails, got %d", i, i, got)
		}
		now = now.Add(time.Minute)
	}

	prober.set("api", healthy)
	if _, err := s.RunDueChecksOnce(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	if got := store.get("api").ConsecutiveFails; got != 0 {
		t.Errorf("expected reset to 0 after healthy outcome, got %d", got)
	}
	if n := len(store.resultsFor("api")); n != 5 {
		t.Errorf("expected 5 results for 5 attempts, got %d", n)
	}
}

func TestRunDueChecksOnce_RespectsInterval(t *testing.T) {
	store := newMockStore(makeCheck("api"))
	prober := newFakeProber()
	now := epoch
	s := newScheduler(store, prober, &now)
	ctx := context.Background()

	s.RunDueChecksOnce(ctx, now)

	now = epoch.Add(30 * time.Second)
	report, _ := s.RunDueChecksOnce(ctx, now)
	if report.Due != 0 {
		t.Errorf("expected nothing due before interval, got %d", report.Due)
	}

	now = epoch.Add(time.Minute)
	report, _ = s.RunDueChecksOnce(ctx, now)
	if report.Due != 1 {
		t.Errorf("expected check due exactly at interval, got %d", report.Due)
	}
	if got := prober.callCount("api"); got != 2 {
		t.Errorf("expected 2 probes, got %d", got)
	}
}

func TestRunDueChecksOnce_SkipsInactive(t *testing.T) {
	off := makeCheck("off")
	off.Active = false
	store := newMockStore(makeCheck("on"), off)
	prober := newFakeProber()
	now := epoch
	s := newScheduler(store, prober, &now)

	report, err := s.RunDueChecksOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Due != 1 {
		t.Errorf("expected 1 due check, got %d", report.Due)
	}
	if prober.callCount("off") != 0 {
		t.Error("inactive check must not be probed")
	}
}

func TestRunDueChecksOnce_SiblingIsolation(t *testing.T) {
	store := newMockStore(makeCheck("down"), makeCheck("up"))
	prober := newFakeProber()
	prober.set("down", refused)
	now := epoch
	s := newScheduler(store, prober, &now)

	report, err := s.RunDueChecksOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("expected both checks recorded, got %d", len(report.Results))
	}
	if got := store.get("up").LastStatus; got != check.StatusHealthy {
		t.Errorf("expected sibling healthy, got %q", got)
	}
	if got := store.get("down").LastStatus; got != check.StatusUnhealthy {
		t.Errorf("expected unreachable check unhealthy, got %q", got)
	}
}

func TestRunDueChecksOnce_StoreErrorIsPerCheck(t *testing.T) {
	store := newMockStore(makeCheck("broken"), makeCheck("fine"))
	store.failIDs["broken"] = errors.New("disk I/O error")
	prober := newFakeProber()
	now := epoch
	s := newScheduler(store, prober, &now)

	report, err := s.RunDueChecksOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("store failure for one check must not fail the tick: %v", err)
	}
	if _, ok := report.Failures["broken"]; !ok {
		t.Error("expected failure reported for 'broken'")
	}
	if _, ok := report.Failures["fine"]; ok {
		t.Error("did not expect failure for 'fine'")
	}
	if n := len(store.resultsFor("fine")); n != 1 {
		t.Errorf("expected sibling result recorded, got %d", n)
	}
	if store.get("broken").LastRunAt != nil {
		t.Error("failed record must leave check state untouched")
	}

	// The failed check stays due and is retried on the next tick.
	store.mu.Lock()
	delete(store.failIDs, "broken")
	store.mu.Unlock()
	report, _ = s.RunDueChecksOnce(context.Background(), now.Add(time.Second))
	if report.Due != 1 {
		t.Errorf("expected the failed check to be due again, got %d", report.Due)
	}
}

func TestRunDueChecksOnce_ListError(t *testing.T) {
	store := newMockStore()
	store.listErr = errors.New("database is locked")
	now := epoch
	s := newScheduler(store, newFakeProber(), &now)

	if _, err := s.RunDueChecksOnce(context.Background(), now); err == nil {
		t.Fatal("expected error when listing checks fails")
	}
}

func TestRunDueChecksOnce_ProbesInParallel(t *testing.T) {
	store := newMockStore(makeCheck("a"), makeCheck("b"), makeCheck("c"))
	prober := newFakeProber()

	var started sync.WaitGroup
	started.Add(3)
	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()
	prober.block = func(ctx context.Context, c check.Check) {
		started.Done()
		select {
		case <-allStarted:
		case <-time.After(2 * time.Second):
		}
	}

	now := epoch
	s := newScheduler(store, prober, &now)

	begin := time.Now()
	report, err := s.RunDueChecksOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(begin) > time.Second {
		t.Error("expected due checks to be probed concurrently")
	}
	if len(report.Results) != 3 {
		t.Errorf("expected tick to wait for all 3 results, got %d", len(report.Results))
	}
}

func TestRunDueChecksOnce_ConcurrencyLimit(t *testing.T) {
	store := newMockStore(makeCheck("a"), makeCheck("b"), makeCheck("c"), makeCheck("d"))
	prober := newFakeProber()

	var running, peak int32
	prober.block = func(ctx context.Context, c check.Check) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
	}

	now := epoch
	s := scheduler.New(store, prober, scheduler.Options{Tick: time.Hour, Concurrency: 2}, nil)
	s.SetClock(fixedClock(&now))

	report, err := s.RunDueChecksOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Results) != 4 {
		t.Errorf("expected 4 results, got %d", len(report.Results))
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("expected at most 2 concurrent probes, got %d", p)
	}
}

func TestRunDueChecksOnce_AbandonsOnCancel(t *testing.T) {
	store := newMockStore(makeCheck("api"))
	prober := newFakeProber()
	ctx, cancel := context.WithCancel(context.Background())
	prober.block = func(ctx context.Context, c check.Check) { cancel() }

	now := epoch
	s := newScheduler(store, prober, &now)

	report, err := s.RunDueChecksOnce(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Failures) != 1 {
		t.Errorf("expected abandoned probe reported as failure, got %+v", report)
	}
	if n := len(store.resultsFor("api")); n != 0 {
		t.Errorf("expected nothing recorded for abandoned probe, got %d", n)
	}
}

func TestRunCheck_BusyWhileTickRuns(t *testing.T) {
	c := makeCheck("api")
	store := newMockStore(c)
	prober := newFakeProber()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	prober.block = func(ctx context.Context, c check.Check) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	now := epoch
	s := newScheduler(store, prober, &now)

	done := make(chan struct{})
	go func() {
		s.RunDueChecksOnce(context.Background(), now)
		close(done)
	}()
	<-entered

	if _, err := s.RunCheck(context.Background(), c); !errors.Is(err, scheduler.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	close(release)
	<-done

	if n := len(store.resultsFor("api")); n != 1 {
		t.Errorf("expected exactly one result, got %d", n)
	}
}

// gate blocks probes of one check until released.
func gate(prober *fakeProber, id string) (entered <-chan struct{}, release func()) {
	in := make(chan struct{}, 1)
	out := make(chan struct{})
	prober.block = func(ctx context.Context, c check.Check) {
		if c.ID != id {
			return
		}
		select {
		case in <- struct{}{}:
		default:
		}
		<-out
	}
	return in, func() { close(out) }
}

func TestRunDueChecksOnce_ManualRunBetweenListAndUnit(t *testing.T) {
	stale := makeCheck("a")
	store := newMockStore(makeCheck("x"), stale)
	fake := newFakeProber()
	fake.set("a", mismatch)
	entered, release := gate(fake, "x")

	now := epoch
	s := scheduler.New(store, fake, scheduler.Options{Tick: time.Hour, Concurrency: 1}, nil)
	s.SetClock(fixedClock(&now))

	done := make(chan scheduler.Report, 1)
	go func() {
		report, err := s.RunDueChecksOnce(context.Background(), now)
		if err != nil {
			t.Errorf("RunDueChecksOnce: %v", err)
		}
		done <- report
	}()

	// The tick has listed "a" but its unit waits behind "x".
	<-entered
	if _, err := s.RunCheck(context.Background(), stale); err != nil {
		t.Fatalf("RunCheck: %v", err)
	}
	release()
	report := <-done

	if report.Skipped != 1 {
		t.Errorf("expected the manually run check to be skipped by the tick, got %+v", report)
	}
	if n := len(store.resultsFor("a")); n != 1 {
		t.Errorf("expected 1 result for a, got %d", n)
	}
	if got := store.get("a").ConsecutiveFails; got != 1 {
		t.Errorf("expected 1 consecutive fail, got %d", got)
	}
	if got := fake.callCount("a"); got != 1 {
		t.Errorf("expected a run once, got %d", got)
	}
}

func TestRunDueChecksOnce_SkipsChecksChangedAfterListing(t *testing.T) {
	store := newMockStore(makeCheck("x"), makeCheck("gone"), makeCheck("paused"))
	fake := newFakeProber()
	entered, release := gate(fake, "x")

	now := epoch
	s := scheduler.New(store, fake, scheduler.Options{Tick: time.Hour, Concurrency: 1}, nil)
	s.SetClock(fixedClock(&now))

	done := make(chan scheduler.Report, 1)
	go func() {
		report, _ := s.RunDueChecksOnce(context.Background(), now)
		done <- report
	}()

	<-entered
	store.remove("gone")
	store.update("paused", func(c *check.Check) { c.Active = false })
	release()
	report := <-done

	if report.Due != 3 || report.Skipped != 2 || len(report.Results) != 1 {
		t.Errorf("expected 3 due, 2 skipped, 1 result, got %+v", report)
	}
	if len(report.Failures) != 0 {
		t.Errorf("skipped checks are not failures, got %v", report.Failures)
	}
	if fake.callCount("gone") != 0 || fake.callCount("paused") != 0 {
		t.Error("deleted or paused checks must not be run")
	}
}

func TestRunCheck_CountsFromStoredState(t *testing.T) {
	c := makeCheck("api")
	store := newMockStore(c)
	store.update("api", func(c *check.Check) { c.ConsecutiveFails = 2 })
	fake := newFakeProber()
	fake.set("api", refused)
	now := epoch
	s := newScheduler(store, fake, &now)

	// c still carries zero failures.
	if _, err := s.RunCheck(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if got := store.get("api").ConsecutiveFails; got != 3 {
		t.Errorf("expected 3 consecutive fails, got %d", got)
	}
}

func TestRunCheck_DeletedCheck(t *testing.T) {
	c := makeCheck("api")
	store := newMockStore()
	now := epoch
	s := newScheduler(store, newFakeProber(), &now)

	if _, err := s.RunCheck(context.Background(), c); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduler_OnResultCallback(t *testing.T) {
	store := newMockStore(makeCheck("api"))
	fake := newFakeProber()
	fake.set("api", refused)
	now := epoch
	s := newScheduler(store, fake, &now)

	var gotPrev, gotCur check.Check
	var calls int32
	s.SetOnResult(func(prev, cur check.Check, r check.Result) {
		atomic.AddInt32(&calls, 1)
		gotPrev, gotCur = prev, cur
	})

	s.RunDueChecksOnce(context.Background(), now)

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 callback, got %d", calls)
	}
	if gotPrev.LastStatus != check.StatusUnknown || gotCur.LastStatus != check.StatusUnhealthy {
		t.Errorf("expected unknown -> unhealthy, got %q -> %q", gotPrev.LastStatus, gotCur.LastStatus)
	}
}

func TestScheduler_ContextCancellation(t *testing.T) {
	store := newMockStore(makeCheck("api"))
	s := scheduler.New(store, newFakeProber(), scheduler.Options{Tick: 20 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(store.resultsFor("api")) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(store.resultsFor("api")) == 0 {
		t.Error("expected an immediate first tick")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Wait() did not return within 2s after context cancel")
	}
}

func TestSelectDue(t *testing.T) {
	ran := epoch
	recent := makeCheck("recent")
	recent.LastRunAt = &ran
	off := makeCheck("off")
	off.Active = false

	checks := []check.Check{makeCheck("fresh"), recent, off, makeCheck("fresh")}

	due := scheduler.SelectDue(checks, epoch.Add(10*time.Second))
	if len(due) != 1 || due[0].ID != "fresh" {
		t.Errorf("expected only 'fresh' once, got %+v", due)
	}

	due = scheduler.SelectDue(checks, epoch.Add(time.Minute))
	if len(due) != 2 {
		t.Errorf("expected 'fresh' and 'recent' due, got %d", len(due))
	}
}
