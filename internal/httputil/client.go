// Package httputil provides the retrying HTTP client deployctl uses to
// probe external services.
package httputil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client wraps http.Client with bounded retries. The services deployctl
// probes may still be waking up when a deploy starts, so one refused
// connection or 5xx is not a verdict.
type Client struct {
	httpClient *http.Client
	maxRetries int
	retryWait  time.Duration
}

// Config configures the client.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	RetryWait  time.Duration
}

// New creates a client. Zero config values fall back to a 10s request
// timeout, 2 retries and 500ms between attempts.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}

	retryWait := cfg.RetryWait
	if retryWait == 0 {
		retryWait = 500 * time.Millisecond
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		retryWait:  retryWait,
	}
}

// Do executes the request, retrying transport errors, 5xx and 429 answers.
// Requests carrying a body are only retried when GetBody is set, which
// http.NewRequest arranges for the common reader types.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.doWithRetry(req, 0)
}

func (c *Client) doWithRetry(req *http.Request, attempt int) (*http.Response, error) {
	attemptReq := req
	if attempt > 0 {
		attemptReq = req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			attemptReq.Body = body
		}
	}

	resp, err := c.httpClient.Do(attemptReq)
	if err != nil {
		if attempt < c.maxRetries && repeatable(req) && c.pause(req.Context()) == nil {
			return c.doWithRetry(req, attempt+1)
		}
		return nil, err
	}

	if transientStatus(resp.StatusCode) && attempt < c.maxRetries && repeatable(req) {
		resp.Body.Close()
		if err := c.pause(req.Context()); err != nil {
			return nil, err
		}
		return c.doWithRetry(req, attempt+1)
	}

	return resp, nil
}

// Get issues a GET request through the retry loop.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func repeatable(req *http.Request) bool {
	return req.Body == nil || req.GetBody != nil
}

func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// pause waits between attempts, cut short by context cancellation.
func (c *Client) pause(ctx context.Context) error {
	t := time.NewTimer(c.retryWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DecodeJSON reads the response body into target and closes it. Responses
// with status >= 400 become errors carrying a bounded body excerpt; a nil
// target drains the body without decoding.
func DecodeJSON(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
	}

	if target == nil {
		_, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
