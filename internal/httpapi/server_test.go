package httpapi

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/you/tunereactor/internal/core"
)

func testSources() Sources {
	return Sources{
		Totals:      func() core.Totals { return core.Totals{SemitoneOffset: 2, SpeedPercent: 10} },
		Diagnostics: func() core.Diagnostics { return core.Diagnostics{SocketConnected: true, SessionID: "sess-1"} },
		Activity: func() []core.Entry {
			return []core.Entry{{ID: "e1", Kind: core.KindCheer, Status: core.StatusApplied}}
		},
		Inject: func(subType string, event json.RawMessage) core.Result {
			return core.OkResult("test_event.routed", map[string]string{"type": subType})
		},
		RefreshRewards: func() core.Result { return core.OkResult("rewards.refresh.started", nil) },
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(testSources(), Options{Addr: "127.0.0.1:0"})
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestSnapshotEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := get(t, srv, "/totals")
	if rec.Code != http.StatusOK {
		t.Fatalf("/totals status %d", rec.Code)
	}
	var totals core.Totals
	if err := json.Unmarshal(rec.Body.Bytes(), &totals); err != nil {
		t.Fatalf("decode totals: %v", err)
	}
	if totals.SemitoneOffset != 2 || totals.SpeedPercent != 10 {
		t.Fatalf("totals = %+v", totals)
	}

	rec = get(t, srv, "/diagnostics")
	var d core.Diagnostics
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if !d.SocketConnected || d.SessionID != "sess-1" {
		t.Fatalf("diagnostics = %+v", d)
	}

	rec = get(t, srv, "/activity")
	var entries []core.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode activity: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "e1" {
		t.Fatalf("entries = %+v", entries)
	}

	if rec := get(t, srv, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("/healthz status %d", rec.Code)
	}
}

func TestTestEventEndpoint(t *testing.T) {
	srv := newTestServer(t)

	body := `{"type": "channel.cheer", "event": {"bits": 100, "user_name": "viewer"}}`
	req := httptest.NewRequest(http.MethodPost, "/test-event", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	var result core.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.OK || result.Params["type"] != "channel.cheer" {
		t.Fatalf("result = %+v", result)
	}

	// GET is rejected
	req = httptest.NewRequest(http.MethodGet, "/test-event", nil)
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /test-event status %d", rec.Code)
	}

	// missing type is a structured failure, not a 500
	req = httptest.NewRequest(http.MethodPost, "/test-event", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.OK || result.MessageKey != "test_event.bad_request" {
		t.Fatalf("result = %+v", result)
	}
}

func TestRewardsRefreshEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/rewards/refresh", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	var result core.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.OK || result.MessageKey != "rewards.refresh.started" {
		t.Fatalf("result = %+v", result)
	}
}

func TestRateLimiting(t *testing.T) {
	srv := New(testSources(), Options{Addr: "127.0.0.1:0", RateRPS: 1, RateBurst: 1})

	first := get(t, srv, "/totals")
	if first.Code != http.StatusOK {
		t.Fatalf("first request status %d", first.Code)
	}
	second := get(t, srv, "/totals")
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status %d, want 429", second.Code)
	}
}

func TestStreamBroadcast(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer resp.Body.Close()

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitFor := func(want string) string {
		deadline := time.After(3 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed waiting for %q", want)
				}
				if strings.Contains(line, want) {
					return line
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	// initial snapshot events arrive before any broadcast
	waitFor("event: totals")
	waitFor("event: diagnostics")

	// broadcasts are fanned out with their event name; retry until the
	// subscription is registered
	go func() {
		for i := 0; i < 50; i++ {
			srv.Broadcast("command", map[string]any{"type": "apply", "effect_id": "eff-1"})
			time.Sleep(20 * time.Millisecond)
		}
	}()
	waitFor("event: command")
	data := waitFor("eff-1")
	if !strings.Contains(data, "apply") {
		t.Fatalf("command payload = %q", data)
	}
}
