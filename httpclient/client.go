// Package httpclient is the JSON client used for calls to host services.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Client posts JSON to one base URL and retries transient failures.
type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
	baseURL    string
	headers    map[string]string
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
}

// Config holds HTTP client configuration
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Logger     zerolog.Logger
	Headers    map[string]string
	MaxRetries int
	// Backoff is the wait before the first retry; it doubles per attempt up
	// to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func New(cfg Config) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger.With().Str("component", "http-client").Str("base_url", cfg.BaseURL).Logger(),
		baseURL:    cfg.BaseURL,
		headers:    cfg.Headers,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
	}
	if c.httpClient.Timeout == 0 {
		c.httpClient.Timeout = 30 * time.Second
	}
	if c.backoff == 0 {
		c.backoff = 200 * time.Millisecond
	}
	if c.maxBackoff == 0 {
		c.maxBackoff = 10 * time.Second
	}
	return c
}

// StatusError is returned for 4xx and 5xx responses that were not retried
// or ran out of retries.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

type response struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

func (r *response) retryable() bool {
	return r.status == http.StatusTooManyRequests || r.status >= http.StatusInternalServerError
}

// PostJSON posts body and decodes a 2xx response into dest. Transport
// errors, 429 and 5xx are retried with the same body, so the endpoint must
// be idempotent for the given headers.
func (c *Client) PostJSON(ctx context.Context, path string, body interface{}, headers map[string]string, dest interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	wait := c.backoff
	for attempt := 0; ; attempt++ {
		resp, err := c.post(ctx, path, payload, headers)
		if err == nil && !resp.retryable() {
			return decode(resp, dest)
		}
		if attempt >= c.maxRetries {
			if err != nil {
				return err
			}
			return &StatusError{StatusCode: resp.status, Body: string(resp.body)}
		}

		delay := wait
		ev := c.logger.Warn().Err(err).Str("path", path).Int("attempt", attempt+1)
		if resp != nil {
			ev = ev.Int("status", resp.status)
			if resp.retryAfter > 0 {
				delay = resp.retryAfter
			}
		}
		ev.Dur("retry_in", delay).Msg("HTTP request will be retried")

		select {
		case <-ctx.Done():
			return fmt.Errorf("request cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
		if wait *= 2; wait > c.maxBackoff {
			wait = c.maxBackoff
		}
	}
}

func decode(resp *response, dest interface{}) error {
	if resp.status >= http.StatusBadRequest {
		return &StatusError{StatusCode: resp.status, Body: string(resp.body)}
	}
	if dest == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, dest); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte, headers map[string]string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("HTTP request completed")

	out := &response{status: resp.StatusCode, body: body}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		out.retryAfter = time.Duration(secs) * time.Second
	}
	return out, nil
}
