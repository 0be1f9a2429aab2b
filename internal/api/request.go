package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rickgao/streamkeeper/internal/backoff"
)

// ErrNotFound is returned when the API has no data for the requested resource.
var ErrNotFound = errors.New("not found")

const (
	maxRetryDelay = 5 * time.Second
	maxBodyBytes  = 1 << 20
)

// APIError is a non-2xx response from the price API.
type APIError struct {
	StatusCode int
	Message    string        // error field of the body, or the status text
	Body       []byte        // Raw response body
	RetryAfter time.Duration // From the Retry-After header, 0 if absent
}

func (e *APIError) Error() string {
	return fmt.Sprintf("price api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Unwrap maps 404 to ErrNotFound.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Body:       body,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Error != "":
			e.Message = payload.Error
		case payload.Message != "":
			e.Message = payload.Message
		}
	}
	return e
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// roundTrip performs one rate-limited request and returns the body of a
// successful response.
func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, newAPIError(resp, body)
	}
	return body, nil
}

// fetch repeats roundTrip for retryable errors. Delays follow the same
// backoff curve as stream reconnects, stretched to honor Retry-After.
func (c *Client) fetch(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	policy := backoff.Config{
		Base:       c.retryBackoff,
		Max:        maxRetryDelay,
		Multiplier: 2,
		Jitter:     0.5,
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		body, err := c.roundTrip(ctx, method, path, query)
		if err == nil {
			return body, nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, err
		}
		lastErr = err
		if attempt >= c.maxRetries {
			break
		}

		wait := policy.Delay(attempt, rand.Float64)
		if apiErr.RetryAfter > wait {
			wait = min(apiErr.RetryAfter, maxRetryDelay)
		}
		c.logger.Debug("retrying request",
			"path", path,
			"status", apiErr.StatusCode,
			"attempt", attempt+1,
			"wait", wait,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// getJSON performs a GET with retries and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.fetch(ctx, http.MethodGet, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
