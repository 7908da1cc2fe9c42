// Package httpretry retries REST calls to mailbox-provider and CRM APIs with
// exponential backoff and full jitter.
package httpretry

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/ignite/offermail/internal/pkg/logger"
)

// MinDelay is the floor applied to every jittered delay.
const MinDelay = 100 * time.Millisecond

// Doer executes HTTP requests. *http.Client and *Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client wraps a Doer with bounded retries.
type Client struct {
	inner      Doer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New wraps inner, or a 30s-timeout http.Client when inner is nil.
// maxRetries counts attempts after the first; values <= 0 select 3.
func New(inner Doer, maxRetries int) *Client {
	if inner == nil {
		inner = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		inner:      inner,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
}

// WithDelays overrides the backoff bounds.
func (c *Client) WithDelays(base, ceiling time.Duration) *Client {
	c.baseDelay, c.maxDelay = base, ceiling
	return c
}

// Do retries on 429/5xx gateway statuses and network errors. 4xx responses
// and context cancellation return immediately. The last retryable response
// is returned unread so the caller can inspect it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	ctx := req.Context()

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset body: %w", err)
				}
				req.Body = body
			}

			delay := Backoff(attempt, c.baseDelay, c.maxDelay)
			logger.Debug("httpretry: retrying", "attempt", attempt, "method", req.Method,
				"host", req.URL.Host, "path", req.URL.Path, "delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, ctx.Err()
			}
		}

		resp, err := c.inner.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		if !Retryable(resp.StatusCode) || attempt == c.maxRetries {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// Backoff returns random(0, min(ceiling, base*2^(attempt-1))) with a MinDelay
// floor. attempt starts at 1 for the first retry.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if ceiling > 0 && exp > float64(ceiling) {
		exp = float64(ceiling)
	}
	d := time.Duration(rand.Float64() * exp)
	if d < MinDelay {
		d = MinDelay
	}
	return d
}

// Retryable reports whether status signals a transient server condition.
func Retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
