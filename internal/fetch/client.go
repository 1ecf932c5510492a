package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// maxBodyBytes bounds how much of one upstream response is read.
const maxBodyBytes = 8 << 20

// Result is one completed HTTP exchange plus retry accounting.
type Result struct {
	Body       []byte
	StatusCode int
	Retries    int
	Latency    time.Duration
}

// Client wraps http.Client with the retry policy. Timeouts, 5xx, and 429 are
// retried within the policy budget; a hard 404 maps to catalog.ErrNotFound
// and an exhausted budget maps to catalog.TransientFetchError.
type Client struct {
	http   *http.Client
	policy *RetryPolicy
	logger *zap.Logger
}

// NewClient builds a retrying client. timeout covers connect plus read.
func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        128,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
		policy: NewRetryPolicy(),
		logger: logger,
	}
}

// NewClientWithHTTP constructs a Client from an existing http.Client
// (primarily for testing).
func NewClientWithHTTP(h *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{http: h, policy: NewRetryPolicy(), logger: logger}
}

// Get fetches url, attaching the session cookie when set.
func (c *Client) Get(ctx context.Context, url string, session catalog.Session) (Result, error) {
	return c.do(ctx, url, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		applySession(req, session)
		return req, nil
	})
}

// PostJSON posts a JSON body to url, attaching the session cookie when set.
func (c *Client) PostJSON(ctx context.Context, url string, payload []byte, session catalog.Session) (Result, error) {
	return c.do(ctx, url, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		applySession(req, session)
		return req, nil
	})
}

func applySession(req *http.Request, session catalog.Session) {
	if session.CookieValue != "" {
		req.AddCookie(&http.Cookie{Name: session.CookieName, Value: session.CookieValue})
	}
}

func (c *Client) do(ctx context.Context, url string, build func() (*http.Request, error)) (Result, error) {
	start := time.Now()
	var lastErr error
	lastStatus := 0
	attempts := 0

	for attempt := 0; ; attempt++ {
		attempts = attempt
		req, err := build()
		if err != nil {
			return Result{}, fmt.Errorf("build request for %s: %w", url, err)
		}

		body, status, err := c.exchange(req)
		lastErr, lastStatus = err, status

		if err == nil {
			switch {
			case status == http.StatusNotFound:
				return Result{StatusCode: status, Retries: attempt, Latency: time.Since(start)},
					fmt.Errorf("%w: %s", catalog.ErrNotFound, url)
			case status >= 200 && status < 300:
				return Result{Body: body, StatusCode: status, Retries: attempt, Latency: time.Since(start)}, nil
			}
		}

		if !c.policy.ShouldRetry(err, status, attempt) {
			break
		}
		wait := c.policy.Backoff(attempt)
		c.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Int("status", status),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Result{Retries: attempt, Latency: time.Since(start)}, ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("upstream status %d", lastStatus)
	}
	return Result{StatusCode: lastStatus, Retries: attempts, Latency: time.Since(start)},
		&catalog.TransientFetchError{URL: url, StatusCode: lastStatus, Err: lastErr}
}

func (c *Client) exchange(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}
