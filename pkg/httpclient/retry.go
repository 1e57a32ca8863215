package httpclient

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// retryTransport re-issues requests that failed transiently, with
// exponential backoff, jitter, and Retry-After awareness. Only
// idempotent methods are retried unless the config opts writes in.
type retryTransport struct {
	next        http.RoundTripper
	attempts    int
	base        time.Duration
	cap         time.Duration
	retryWrites bool
}

func newRetryTransport(next http.RoundTripper, cfg Config) *retryTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &retryTransport{
		next:        next,
		attempts:    cfg.RetryAttempts + 1,
		base:        cfg.RetryBackoff,
		cap:         cfg.MaxBackoff,
		retryWrites: cfg.AllowNonIdempotentRetry,
	}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !idempotent(req.Method) && !t.retryWrites {
		return t.next.RoundTrip(req)
	}

	var lastErr error
	var lastResp *http.Response
	for attempt := 1; attempt <= t.attempts; attempt++ {
		if attempt > 1 {
			delay := t.backoff(attempt - 1)
			// A server-provided Retry-After may shorten the wait,
			// never lengthen it.
			if hint := retryAfter(lastResp); hint > 0 && hint < delay {
				delay = hint
			}
			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}

		resp, err := t.next.RoundTrip(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil && !transientError(err) {
			return nil, err
		}

		lastErr, lastResp = err, resp
		if attempt == t.attempts {
			break
		}
		// This response will not be returned; release its body.
		if resp != nil {
			resp.Body.Close()
		}
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, nil
}

func idempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// retryableStatus covers 5xx plus the two 4xx codes that signal a
// transient server condition.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// transientError reports whether a transport error is worth another
// attempt. Context cancellation never is.
func transientError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return transientError(urlErr.Err)
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network unreachable",
		"eof",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// backoff doubles from the configured base, capped, with up to 20%
// jitter so concurrent clients spread out.
func (t *retryTransport) backoff(retry int) time.Duration {
	d := float64(t.base) * math.Pow(2, float64(retry-1))
	if d > float64(t.cap) {
		d = float64(t.cap)
	}
	return time.Duration(d + rand.Float64()*d*0.2)
}

// retryAfter parses a Retry-After header, in either seconds or
// HTTP-date form. Zero means no usable hint.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
