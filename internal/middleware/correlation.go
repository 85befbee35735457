package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"docuralis/apps/migrator/internal/logger"
)

const CorrelationHeader = "X-Correlation-ID"

// Correlation stamps outgoing requests with the run ID found in the request
// context, so vector store logs can be matched to a migration run.
type Correlation struct {
	next http.RoundTripper
}

func NewCorrelation(next http.RoundTripper) *Correlation {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Correlation{next: next}
}

func (c *Correlation) RoundTrip(r *http.Request) (*http.Response, error) {
	id := r.Header.Get(CorrelationHeader)
	if id == "" {
		id = logger.RunID(r.Context())
		if id == "unknown" {
			id = uuid.New().String()
		}
	}

	// RoundTrippers must not modify the caller's request.
	r = r.Clone(r.Context())
	r.Header.Set(CorrelationHeader, id)

	start := time.Now()
	resp, err := c.next.RoundTrip(r)
	if err != nil {
		slog.DebugContext(r.Context(), "source request failed", "method", r.Method, "path", r.URL.Path, "correlation_id", id, "duration", time.Since(start), "error", err) // #nosec G706 -- r.URL.Path is built by the client
		return nil, err
	}

	slog.DebugContext(r.Context(), "source request completed", "method", r.Method, "path", r.URL.Path, "status", resp.StatusCode, "correlation_id", id, "duration", time.Since(start)) // #nosec G706
	return resp, nil
}

// HTTPClient returns a client with the given timeout whose requests carry a
// correlation ID.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: NewCorrelation(nil)}
}
