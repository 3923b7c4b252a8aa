package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/hazz-dev/uptimer/internal/check"
)

// Alerter sends webhook notifications when a check goes down or recovers.
type Alerter struct {
	webhookURL string
	cooldown   time.Duration
	threshold  int
	client     *http.Client
	newBackOff func() backoff.BackOff
	// lastAlert is keyed by check ID and direction.
	lastAlert map[string]time.Time
	// downSent records, per check ID, whether the down alert of the current
	// outage went out. Checks missing here fall back to the failure count.
	downSent map[string]bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// New creates a new Alerter. A "down" alert fires once a check reaches
// threshold consecutive failures. Pass nil logger to use the default logger.
func New(webhookURL string, cooldown time.Duration, threshold int, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold < 1 {
		threshold = 1
	}
	return &Alerter{
		webhookURL: webhookURL,
		cooldown:   cooldown,
		threshold:  threshold,
		client:     &http.Client{Timeout: 10 * time.Second},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
		lastAlert: make(map[string]time.Time),
		downSent:  make(map[string]bool),
		logger:    logger,
	}
}

// SetRetry replaces the delivery retry policy with a constant interval.
func (a *Alerter) SetRetry(maxRetries uint64, interval time.Duration) {
	a.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), maxRetries)
	}
}

// Wait blocks until all pending webhook deliveries have finished.
func (a *Alerter) Wait() {
	a.wg.Wait()
}

type webhookPayload struct {
	CheckID          string `json:"check_id"`
	Check            string `json:"check"`
	URL              string `json:"url"`
	Status           string `json:"status"`
	PreviousStatus   string `json:"previous_status"`
	ConsecutiveFails int    `json:"consecutive_fails"`
	Error            string `json:"error"`
	HTTPStatus       *int   `json:"http_status"`
	LatencyMs        int64  `json:"latency_ms"`
	CheckedAt        string `json:"checked_at"`
	Source           string `json:"source"`
}

// Notify is a scheduler result hook. prev and cur are the check state before
// and after result r was recorded.
func (a *Alerter) Notify(prev, cur check.Check, r check.Result) {
	if !a.shouldAlert(prev, cur) {
		return
	}
	down := cur.LastStatus == check.StatusUnhealthy
	key := cur.ID + "/up"
	if down {
		key = cur.ID + "/down"
	}

	a.mu.Lock()
	if !down {
		sent, known := a.downSent[cur.ID]
		delete(a.downSent, cur.ID)
		if known && !sent {
			a.mu.Unlock()
			a.logger.Info("recovery alert skipped, down alert was suppressed", "check", cur.Name)
			return
		}
	}
	last, exists := a.lastAlert[key]
	if exists && time.Since(last) < a.cooldown {
		if down {
			a.downSent[cur.ID] = false
		}
		a.mu.Unlock()
		a.logger.Info("alert suppressed by cooldown", "check", cur.Name, "status", cur.LastStatus)
		return
	}
	a.lastAlert[key] = time.Now()
	if down {
		a.downSent[cur.ID] = true
	}
	a.mu.Unlock()

	// Send asynchronously so Notify doesn't block the scheduler.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.send(prev, cur, r)
	}()
}

func (a *Alerter) shouldAlert(prev, cur check.Check) bool {
	switch cur.LastStatus {
	case check.StatusUnhealthy:
		return cur.ConsecutiveFails == a.threshold
	case check.StatusHealthy:
		// Recovery is only interesting after a down alert went out.
		return prev.LastStatus == check.StatusUnhealthy && prev.ConsecutiveFails >= a.threshold
	default:
		return false
	}
}

func (a *Alerter) send(prev, cur check.Check, r check.Result) {
	payload := webhookPayload{
		CheckID:          cur.ID,
		Check:            cur.Name,
		URL:              cur.URL,
		Status:           string(r.Status),
		PreviousStatus:   string(prev.LastStatus),
		ConsecutiveFails: cur.ConsecutiveFails,
		Error:            r.Error,
		HTTPStatus:       r.HTTPStatus,
		LatencyMs:        r.Latency.Milliseconds(),
		CheckedAt:        r.CreatedAt.UTC().Format(time.RFC3339),
		Source:           "uptimer",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error("marshaling webhook payload", "check", cur.Name, "error", err)
		return
	}

	deliver := func() error {
		resp, err := a.client.Post(a.webhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			a.logger.Warn("webhook returned non-2xx status", "check", cur.Name, "status", resp.StatusCode)
		}
		return nil
	}

	if err := backoff.Retry(deliver, a.newBackOff()); err != nil {
		a.logger.Error("sending webhook", "check", cur.Name, "url", a.webhookURL, "error", err)
	}
}
