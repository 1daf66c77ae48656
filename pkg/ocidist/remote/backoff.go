package remote

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy implements an exponential backoff schedule with jitter: base
// 500ms, factor 2, jitter ±25%, capped at 8s, at most 5 attempts total.
type RetryPolicy struct {
	BaseDelay  time.Duration
	Factor     float64
	Jitter     float64
	MaxDelay   time.Duration
	MaxAttempt int
}

// DefaultRetryPolicy is the schedule every remote client uses unless
// overridden for a test.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:  500 * time.Millisecond,
	Factor:     2,
	Jitter:     0.25,
	MaxDelay:   8 * time.Second,
	MaxAttempt: 5,
}

// delay returns the backoff duration before attempt number n (1-based).
func (p RetryPolicy) delay(n int) time.Duration {
	d := float64(p.BaseDelay) * pow(p.Factor, n-1)
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	jitter := 1 + (rand.Float64()*2-1)*p.Jitter
	return time.Duration(d * jitter)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for range exp {
		result *= base
	}
	return result
}

// isTransientStatus reports whether a response status code is worth
// retrying: any 5xx except 501 Not Implemented, plus 429 Too Many Requests.
func isTransientStatus(code int) bool {
	if code == http.StatusNotImplemented {
		return false
	}
	if code >= 500 {
		return true
	}
	return code == http.StatusTooManyRequests
}

// isTransientError reports whether err (a transport-level failure, not an
// HTTP status) should be retried: connection reset, timeout, and similar
// network faults, but not context cancellation.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

// retryAfter parses a Retry-After header on a 408/429 response, returning
// the wait duration and whether the header was present and valid.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// sleep waits for d or until ctx is done, returning ctx's error in the
// latter case.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
