// Package httpapi is the local observer surface: JSON snapshots, an SSE
// stream multiplexing totals/diagnostics/activity/effect commands, test
// event injection, and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/you/tunereactor/internal/core"
)

// Sources are the read-side hooks the server renders from. All of them
// must be safe for concurrent use.
type Sources struct {
	Totals      func() core.Totals
	Diagnostics func() core.Diagnostics
	Activity    func() []core.Entry

	// Inject routes a synthetic notification through the normal pipeline
	// and reports how many bindings fired.
	Inject func(subType string, event json.RawMessage) core.Result
	// RefreshRewards triggers the debounced manual reward refresh.
	RefreshRewards func() core.Result
}

type sseEvent struct {
	name string
	data []byte
}

type Server struct {
	httpServer *http.Server
	sources    Sources
	metrics    *Metrics
	limiter    *ipRateLimiter

	mu      sync.Mutex
	clients map[chan sseEvent]struct{}
	closed  bool
}

type Options struct {
	Addr      string
	RateRPS   int
	RateBurst int
}

func New(sources Sources, opts Options) *Server {
	srv := &Server{
		sources: sources,
		metrics: newMetrics(),
		limiter: newIPRateLimiter(opts.RateRPS, opts.RateBurst),
		clients: make(map[chan sseEvent]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/totals", srv.handleTotals)
	mux.HandleFunc("/diagnostics", srv.handleDiagnostics)
	mux.HandleFunc("/activity", srv.handleActivity)
	mux.HandleFunc("/stream", srv.handleStream)
	mux.HandleFunc("/test-event", srv.handleTestEvent)
	mux.HandleFunc("/rewards/refresh", srv.handleRewardsRefresh)
	mux.Handle("/metrics", srv.metrics.Handler())

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.wrap(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Metrics exposes the collectors so the pipeline can count events.
func (s *Server) Metrics() *Metrics { return s.metrics }

// WireSources replaces the read-side hooks. Used when the server must
// exist before the pipeline it renders, so the metrics can be shared.
func (s *Server) WireSources(sources Sources) {
	s.mu.Lock()
	s.sources = sources
	s.mu.Unlock()
}

func (s *Server) src() Sources {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources
}

func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		start := time.Now()
		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)
		s.metrics.ObserveRequest(r.URL.Path, r.Method, rec.Status(), time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleTotals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.src().Totals())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.src().Diagnostics())
}

func (s *Server) handleActivity(w http.ResponseWriter, _ *http.Request) {
	entries := s.src().Activity()
	if entries == nil {
		entries = []core.Entry{}
	}
	writeJSON(w, entries)
}

func (s *Server) handleTestEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inject := s.src().Inject
	if inject == nil {
		http.Error(w, "not wired", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Type  string          `json:"type"`
		Event json.RawMessage `json:"event"`
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil || json.Unmarshal(data, &body) != nil || body.Type == "" {
		writeJSON(w, core.FailResult("test_event.bad_request", nil))
		return
	}

	writeJSON(w, inject(body.Type, body.Event))
}

func (s *Server) handleRewardsRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	refresh := s.src().RefreshRewards
	if refresh == nil {
		http.Error(w, "not wired", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, refresh())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan sseEvent, 256)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clients[clientCh] = struct{}{}
	s.mu.Unlock()
	s.metrics.IncSSEClients(1)

	defer func() {
		s.mu.Lock()
		delete(s.clients, clientCh)
		s.mu.Unlock()
		s.metrics.IncSSEClients(-1)
	}()

	// initial state so the client doesn't wait for the next change
	sources := s.src()
	fmt.Fprintf(w, ":ok\n\n")
	s.writeEventJSON(w, "totals", sources.Totals())
	s.writeEventJSON(w, "diagnostics", sources.Diagnostics())
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case ev, ok := <-clientCh:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeEventJSON(w io.Writer, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

// Broadcast fans one named event out to every connected stream client.
// Slow clients drop events rather than block the pipeline.
func (s *Server) Broadcast(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ev := sseEvent{name: name, data: data}

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
