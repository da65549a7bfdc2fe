// Package graph provides an HTTP client for the Microsoft Graph OneNote
// API with rate limiting, automatic retry, and error classification.
// This is the single chokepoint for remote traffic: every request,
// including retries, first acquires a token-bucket slot, so no component
// can exceed the configured request budget.
package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/shulgaalexey/onenote-local/internal/config"
)

// DefaultBaseURL is the production Microsoft Graph API v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Retry policy: base 1s, factor 2x, max 60s, ±25% jitter, max 5 retries.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "onenote-local/0.1"

	defaultRequestTimeout = 30 * time.Second
)

// AccessTokenProvider supplies a current bearer token; implementations may
// refresh internally. Defined at the consumer per "accept interfaces,
// return structs" — the identity broker implements it elsewhere.
type AccessTokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client is the OneNote Graph API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     AccessTokenProvider
	limiter    *rate.Limiter
	logger     *slog.Logger

	// sleepFunc waits between retries. Tests override to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Graph client. The limiter is sized from cfg:
// requests_per_window spread over window_seconds, with the configured
// burst.
func NewClient(baseURL string, httpClient *http.Client, tokens AccessTokenProvider,
	cfg config.RateLimitConfig, logger *slog.Logger,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	perSecond := float64(cfg.RequestsPerWindow) / float64(cfg.WindowSeconds)

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(perSecond), cfg.Burst),
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// Do executes an authenticated request with rate limiting and retry on
// transient failures. The caller must close the response body on success.
// On error the result wraps a taxonomy sentinel (use errors.Is).
func (c *Client) Do(ctx context.Context, method, path string) (*http.Response, error) {
	return c.doRetry(ctx, method, c.baseURL+path, true)
}

// DoURL executes an authenticated request against a full URL (used for
// @odata.nextLink continuations and resource URLs, which arrive absolute).
func (c *Client) DoURL(ctx context.Context, method, url string) (*http.Response, error) {
	return c.doRetry(ctx, method, url, true)
}

// doRetry is the shared rate-limited retry loop.
func (c *Client) doRetry(ctx context.Context, method, url string, auth bool) (*http.Response, error) {
	var attempt int

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classifyLimiter(ctx, err)
		}

		resp, err := c.doOnce(ctx, method, url, auth)
		if err != nil {
			if ctx.Err() != nil {
				return nil, classifyCancel(ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, classifyCancel(sleepErr)
				}

				attempt++

				continue
			}

			return nil, classifyNetwork(method, url, attempt, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.Int("status", resp.StatusCode),
				slog.String("request_id", resp.Header.Get("request-id")),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		reqID := resp.Header.Get("request-id")

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, classifyCancel(err)
			}

			attempt++

			continue
		}

		return nil, c.terminalError(method, resp.StatusCode, reqID, errBody, resp.Header, attempt)
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, url string, auth bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("graph: creating request: %w", err)
	}

	if auth {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("graph: obtaining token: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	c.logger.Debug("HTTP response received",
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", resp.Header.Get("request-id")),
	)

	return resp, nil
}

// retryBackoff returns the backoff for a retryable response. For 429 the
// Retry-After header takes precedence — ignoring it risks extended
// throttling.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if d, ok := retryAfter(resp.Header); ok {
			return d
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	// Jitter prevents thundering herd when multiple workers hit limits at once.
	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1)
	backoff += jitter

	return time.Duration(backoff)
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(h http.Header) (time.Duration, bool) {
	ra := h.Get("Retry-After")
	if ra == "" {
		return 0, false
	}

	seconds, err := strconv.Atoi(ra)
	if err != nil || seconds <= 0 {
		return 0, false
	}

	return time.Duration(seconds) * time.Second, true
}

// timeSleep waits for d or until ctx is canceled. Default sleepFunc.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
