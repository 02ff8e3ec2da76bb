package providers

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingAPIKey is returned when the credential provider cannot serve a
// secret for the requested provider.
var ErrMissingAPIKey = errors.New("missing api key")

// HTTPError is returned when the provider API rejects a request before any
// stream content is produced.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // 0 when the server sent no Retry-After
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.Status, truncate(e.Body, 500))
}

// Retryable reports whether the request may be retried at the connection
// phase. 429 and 5xx are transient; 4xx (other than 429) are not.
func (e *HTTPError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
