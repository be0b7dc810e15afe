package helix

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxRetryAttempts = 3

// TokenProvider returns the current bearer token. It is called per request
// so a refreshed credential is picked up without rebuilding the client.
type TokenProvider func() string

// Client wraps outbound Helix calls with auth-header injection, 401
// expiry notification, 429 backoff-and-retry, and client-side pacing.
type Client struct {
	BaseURL  string
	ClientID string
	HTTP     *http.Client

	// Token supplies the bearer token for each request.
	Token TokenProvider
	// OnUnauthorized is invoked once per 401 so the token authority can
	// expire the credential. The failed response is still returned to the
	// caller, which must check the status.
	OnUnauthorized func(reason string)

	limiter *rate.Limiter
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
}

func NewClient(clientID string, token TokenProvider) *Client {
	return &Client{
		BaseURL:  "https://api.twitch.tv/helix",
		ClientID: clientID,
		HTTP:     &http.Client{Timeout: 15 * time.Second},
		Token:    token,
		// Helix allows 800 points/minute per client; stay well under.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// Do performs one Helix request. Responses with status 401 and exhausted
// 429 retries are returned as-is; the caller owns status checking and
// must close the body.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	return c.do(ctx, method, path, body, 0)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, attempt int) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("helix: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token())
	req.Header.Set("Client-Id", strings.TrimSpace(c.ClientID))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("helix: %s %s: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if c.OnUnauthorized != nil {
			c.OnUnauthorized("Unauthorized")
		}
		return resp, nil

	case resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetryAttempts:
		delay := c.retryDelay(resp, attempt)
		resp.Body.Close()
		log.Printf("helix: rate limited on %s %s; retrying in %s (attempt %d)", method, path, delay, attempt+1)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		return c.do(ctx, method, path, body, attempt+1)
	}

	return resp, nil
}

// retryDelay honors the Ratelimit-Reset header when it is further out than
// the exponential floor of 2^attempt seconds.
func (c *Client) retryDelay(resp *http.Response, attempt int) time.Duration {
	floor := time.Duration(1<<attempt) * time.Second

	raw := strings.TrimSpace(resp.Header.Get("Ratelimit-Reset"))
	if raw == "" {
		return floor
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return floor
	}

	var headerDelay time.Duration
	if v > 1_000_000_000 {
		// epoch seconds
		headerDelay = time.Unix(v, 0).Sub(c.now())
	} else {
		headerDelay = time.Duration(v) * time.Second
	}
	if headerDelay > floor {
		return headerDelay
	}
	return floor
}

func (c *Client) token() string {
	if c.Token == nil {
		return ""
	}
	return strings.TrimSpace(c.Token())
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// ReadBody drains and closes the response body, capped at 64 KiB.
func ReadBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	return string(data)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
