package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hazz-dev/uptimer/internal/check"
	"github.com/hazz-dev/uptimer/internal/version"
)

// maxDrain bounds how much of a response body is read before closing so the
// connection can be reused.
const maxDrain = 64 << 10

// HTTPProber probes checks over HTTP.
type HTTPProber struct {
	client Doer
	now    func() time.Time
}

// NewHTTPProber returns a prober sending requests through client. Pass nil
// to use a default client; the per-check timeout is applied through the
// request context, not the client.
func NewHTTPProber(client Doer) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{client: client, now: time.Now}
}

// SetClock replaces the clock used to measure elapsed time.
func (p *HTTPProber) SetClock(now func() time.Time) {
	p.now = now
}

// Probe issues one request for c. It never fails: transport errors, timeouts
// and unexpected status codes are all reported as an unhealthy Outcome.
func (p *HTTPProber) Probe(ctx context.Context, c check.Check) Outcome {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, nil)
	if err != nil {
		return Outcome{
			Elapsed: p.now().Sub(start),
			Error:   fmt.Sprintf("creating request: %v", err),
		}
	}
	req.Header.Set("User-Agent", "uptimer/"+version.Version)

	resp, err := p.client.Do(req)
	elapsed := p.now().Sub(start)
	if err != nil {
		return Outcome{Elapsed: elapsed, Error: describeTransportError(ctx, c.Timeout, err)}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	resp.Body.Close()

	out := Outcome{Elapsed: elapsed, StatusCode: resp.StatusCode}
	if resp.StatusCode != c.ExpectedStatus {
		out.Error = fmt.Sprintf("expected status %d, got %d", c.ExpectedStatus, resp.StatusCode)
		return out
	}
	out.Healthy = true
	return out
}

func describeTransportError(ctx context.Context, timeout time.Duration, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Sprintf("timeout after %s: %v", timeout, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Sprintf("probe canceled: %v", err)
	}
	return err.Error()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
