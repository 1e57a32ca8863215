package httpclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/grinder/internal/tracing"
)

// logTransport stamps outgoing requests with the client identity and
// the context's correlation id, then logs the outcome with a redacted
// URL.
type logTransport struct {
	next      http.RoundTripper
	userAgent string
}

func newLogTransport(next http.RoundTripper, userAgent string) *logTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &logTransport{next: next, userAgent: userAgent}
}

func (t *logTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if id := tracing.FromContextOrEmpty(req.Context()); id.IsValid() {
		req.Header.Set(tracing.HeaderCorrelationID, id.String())
	}

	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	elapsed := time.Since(start).Milliseconds()

	url := redactURL(req.URL)
	switch {
	case err != nil:
		slog.Warn("http request failed",
			"method", req.Method,
			"url", url,
			"duration_ms", elapsed,
			"error", err,
		)
	case resp.StatusCode >= 400:
		slog.Warn("http request",
			"method", req.Method,
			"url", url,
			"status", resp.StatusCode,
			"duration_ms", elapsed,
		)
	default:
		slog.Debug("http request",
			"method", req.Method,
			"url", url,
			"status", resp.StatusCode,
			"duration_ms", elapsed,
		)
	}
	return resp, err
}
