package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRetryCount     = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     defaultRetryCount,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
}

// backoff returns initial * 2^(attempt-1), capped at MaxBackoff, with +/-20% jitter.
func (r RetryConfig) backoff(attempt int) time.Duration {
	wait := r.InitialBackoff
	for i := 1; i < attempt && wait < r.MaxBackoff; i++ {
		wait *= 2
	}
	if wait > r.MaxBackoff {
		wait = r.MaxBackoff
	}

	if jitterRange := int64(wait) / 5; jitterRange > 0 {
		wait += time.Duration(rand.Int64N(jitterRange*2) - jitterRange)
	}
	return max(wait, 0)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
// doWithRetry caps the result at MaxBackoff.
func retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if date, err := http.ParseTime(header); err == nil {
		return time.Until(date)
	}
	return 0
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// doWithRetry runs the request built by newRequest until it succeeds, fails
// with a non-retryable status, or the retries run out. Network errors, 5xx
// and 429 are retried; other 4xx responses are returned at once.
func (c *Client) doWithRetry(ctx context.Context, newRequest func(context.Context) (*http.Request, error)) ([]byte, error) {
	var lastErr error
	var wait time.Duration

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			wait = max(wait, c.retry.backoff(attempt))
			c.cfg.Logger.InfoContext(ctx, "retrying fetch", "attempt", attempt, "backoff", wait, "error", lastErr)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		payload, after, err := c.attempt(ctx, newRequest)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		wait = min(after, c.retry.MaxBackoff)

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !retryable(statusErr.StatusCode) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.cfg.Logger.WarnContext(ctx, "fetch attempt failed", "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("fetch: max retries exceeded: %w", lastErr)
}

func (c *Client) attempt(ctx context.Context, newRequest func(context.Context) (*http.Request, error)) ([]byte, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := newRequest(ctx)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: http: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, retryAfter(resp.Header.Get("Retry-After")), &StatusError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, 0, nil
}
