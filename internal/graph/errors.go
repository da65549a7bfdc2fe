package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// maxErrorBody bounds how much of an error response body is retained.
const maxErrorBody = 4 << 10

// APIError wraps a taxonomy sentinel with HTTP status code, request ID,
// and the API error body for debugging. Use errors.Is against the onerr
// sentinels to classify.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	RetryAfter time.Duration // nonzero only for throttled responses
	Err        error         // taxonomy sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("graph: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("graph: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a terminal HTTP status to a taxonomy sentinel.
// Classification happens once, here; callers never re-classify.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return onerr.ErrUnauthorized
	case code == http.StatusNotFound || code == http.StatusGone:
		return onerr.ErrNotFound
	case code == http.StatusTooManyRequests:
		return onerr.ErrRateLimited
	case code >= http.StatusInternalServerError:
		return onerr.ErrTransient
	case code >= http.StatusBadRequest:
		return onerr.ErrPermanent
	default:
		return nil
	}
}

// isRetryable reports whether the given HTTP status should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// terminalError builds an APIError and logs the final failure.
func (c *Client) terminalError(
	method string, statusCode int, reqID string, body []byte, h http.Header, attempt int,
) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		RequestID:  reqID,
		Message:    string(body),
		Err:        classifyStatus(statusCode),
	}

	if statusCode == http.StatusTooManyRequests {
		if d, ok := retryAfter(h); ok {
			apiErr.RetryAfter = d
			apiErr.Err = &onerr.RateLimitedError{RetryAfter: d}
		}
	}

	if attempt > 0 {
		c.logger.Error("request failed after retries",
			slog.String("method", method),
			slog.Int("status", statusCode),
			slog.String("request_id", reqID),
			slog.Int("attempts", attempt+1),
		)
	} else {
		c.logger.Warn("request failed",
			slog.String("method", method),
			slog.Int("status", statusCode),
			slog.String("request_id", reqID),
		)
	}

	return apiErr
}

// classifyNetwork wraps exhausted network-level retries as transient.
func classifyNetwork(method, url string, attempts int, err error) error {
	return fmt.Errorf("graph: %s %s failed after %d retries: %w: %w",
		method, url, attempts, onerr.ErrTransient, err)
}

// classifyLimiter maps a token-bucket wait failure. A dead context wins;
// a wait that cannot fit the deadline is a transient condition.
func classifyLimiter(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return classifyCancel(ctx.Err())
	}

	return fmt.Errorf("graph: rate limiter: %w: %v", onerr.ErrTransient, err)
}

// classifyCancel maps context termination to the taxonomy. A deadline is
// a timeout and therefore transient; an explicit cancel is Cancelled.
func classifyCancel(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("graph: request timed out: %w", onerr.ErrTransient)
	}

	return fmt.Errorf("graph: request canceled: %w", onerr.ErrCancelled)
}
