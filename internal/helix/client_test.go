package helix

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		defer req.Body.Close()
	}
	return f(req)
}

func newTestClient(rt roundTripFunc) *Client {
	c := NewClient("client-id", func() string { return "tok123" })
	c.HTTP = &http.Client{Transport: rt}
	c.limiter = nil
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestDoInjectsAuthHeaders(t *testing.T) {
	var seenAuth, seenClientID string
	c := newTestClient(func(req *http.Request) (*http.Response, error) {
		seenAuth = req.Header.Get("Authorization")
		seenClientID = req.Header.Get("Client-Id")
		return jsonResponse(http.StatusOK, `{}`), nil
	})

	resp, err := c.Do(context.Background(), http.MethodGet, "/users", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if seenAuth != "Bearer tok123" {
		t.Fatalf("Authorization = %q", seenAuth)
	}
	if seenClientID != "client-id" {
		t.Fatalf("Client-Id = %q", seenClientID)
	}
}

func TestDoUnauthorizedTriggersExpiry(t *testing.T) {
	c := newTestClient(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusUnauthorized, `{"message":"invalid token"}`), nil
	})

	var expired string
	c.OnUnauthorized = func(reason string) { expired = reason }

	resp, err := c.Do(context.Background(), http.MethodGet, "/users", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 returned as-is", resp.StatusCode)
	}
	if expired != "Unauthorized" {
		t.Fatalf("OnUnauthorized reason = %q", expired)
	}
}

func TestDoRetriesRateLimit(t *testing.T) {
	var calls int
	c := newTestClient(func(*http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			resp := jsonResponse(http.StatusTooManyRequests, `{}`)
			resp.Header.Set("Ratelimit-Reset", "10")
			return resp, nil
		}
		return jsonResponse(http.StatusOK, `{}`), nil
	})

	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	resp, err := c.Do(context.Background(), http.MethodGet, "/eventsub/subscriptions", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d after retries", resp.StatusCode)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	for i, d := range delays {
		if d < 10*time.Second {
			t.Fatalf("delay[%d] = %s, want at least the reset header's 10s", i, d)
		}
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int
	c := newTestClient(func(*http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(http.StatusTooManyRequests, `{}`), nil
	})

	resp, err := c.Do(context.Background(), http.MethodGet, "/users", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want original 429 returned", resp.StatusCode)
	}
	if calls != maxRetryAttempts+1 {
		t.Fatalf("calls = %d, want %d", calls, maxRetryAttempts+1)
	}
}

func TestRetryDelayExponentialFloor(t *testing.T) {
	c := newTestClient(nil)

	resp := jsonResponse(http.StatusTooManyRequests, `{}`)
	resp.Header.Set("Ratelimit-Reset", "1")

	// header says 1s, but attempt 2 floors at 4s
	if d := c.retryDelay(resp, 2); d != 4*time.Second {
		t.Fatalf("retryDelay = %s, want 4s floor", d)
	}
}

func TestRetryDelayEpochHeader(t *testing.T) {
	c := newTestClient(nil)
	now := time.Now()
	c.now = func() time.Time { return now }

	resp := jsonResponse(http.StatusTooManyRequests, `{}`)
	resp.Header.Set("Ratelimit-Reset", "0")
	if d := c.retryDelay(resp, 0); d != time.Second {
		t.Fatalf("invalid header delay = %s, want 1s floor", d)
	}

	resp.Header.Set("Ratelimit-Reset", "9")
	if d := c.retryDelay(resp, 0); d != 9*time.Second {
		t.Fatalf("delta header delay = %s, want 9s", d)
	}
}

func TestScrub(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"access_token":"abc123","login":"x"}`, `{"access_token":"***","login":"x"}`},
		{`{"refresh_token": "r1"}`, `{"refresh_token": "***"}`},
		{`Authorization: Bearer secrettoken`, `Authorization: Bearer ***`},
		{`pass=oauth:abc99`, `pass=oauth:***`},
		{`{"message":"ok"}`, `{"message":"ok"}`},
	}
	for _, c := range cases {
		if got := Scrub(c.in); got != c.want {
			t.Fatalf("Scrub(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
