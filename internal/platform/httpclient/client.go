// Package httpclient provides the outbound HTTP client used for
// webhook delivery: bounded timeouts, retries with backoff and
// Retry-After support, request logging.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	randv2 "math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// Client wraps http.Client with logging and retries. Deliveries are
// POSTs, so retries are opt-in and bounded; the caller decides whether
// a duplicate delivery is acceptable.
type Client struct {
	hc          *http.Client
	log         *slog.Logger
	retries     int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	headers     map[string]string
}

// Option configures Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetries enables up to n retries with exponential backoff.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		if backoff > 0 {
			c.baseBackoff = backoff
		}
	}
}

// WithMaxBackoff caps backoff growth.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) { c.maxBackoff = d }
}

// WithHeaders adds default headers to every request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			c.headers[k] = v
		}
	}
}

// WithTransport sets a custom transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.hc.Transport = rt
		}
	}
}

// New creates a configured Client.
func New(opts ...Option) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second

	c := &Client{
		hc: &http.Client{
			Timeout:   15 * time.Second,
			Transport: tr,
		},
		log:         slog.Default(),
		baseBackoff: 200 * time.Millisecond,
		headers:     make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PostJSON marshals payload and posts it, retrying retryable failures.
// It returns the response status and up to maxBody bytes of the body.
func (c *Client) PostJSON(ctx context.Context, url string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		status, respBody, hint, err := c.post(ctx, url, body, attempt)
		if err == nil {
			return status, respBody, nil
		}
		lastErr = err
		if hint < 0 || attempt > c.retries {
			break
		}
		if err := c.sleep(ctx, c.backoff(attempt, hint)); err != nil {
			return 0, nil, err
		}
	}
	return 0, nil, lastErr
}

const maxBody = 8 << 10

// post returns hint < 0 when the failure must not be retried; a
// positive hint carries the server's Retry-After delay.
func (c *Client) post(ctx context.Context, url string, body []byte, attempt int) (status int, respBody []byte, hint time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, -1, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Warn("webhook request error", "url", url, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return 0, nil, -1, err
		}
		return 0, nil, 0, err
	}
	defer resp.Body.Close()

	respBody, _ = io.ReadAll(io.LimitReader(resp.Body, maxBody))
	c.log.Info("webhook request",
		"url", url, "status", resp.StatusCode,
		"dur", time.Since(start), "attempt", attempt)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, respBody, 0, nil
	}
	err = fmt.Errorf("POST %s: unexpected status %d", url, resp.StatusCode)
	if resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500 {
		return resp.StatusCode, respBody, retryAfter(resp.Header.Get("Retry-After")), err
	}
	return resp.StatusCode, respBody, -1, err
}

func (c *Client) backoff(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		if c.maxBackoff > 0 && hint > c.maxBackoff {
			return c.maxBackoff
		}
		return hint
	}
	wait := c.baseBackoff * time.Duration(1<<uint(attempt-1))
	wait += time.Duration(randv2.Int64N(int64(wait)))
	if c.maxBackoff > 0 && wait > c.maxBackoff {
		wait = c.maxBackoff
	}
	return wait
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
