package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/tunereactor/internal/core"
	"github.com/you/tunereactor/internal/diag"
	"github.com/you/tunereactor/internal/timers"
)

// State of the session machine.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

const (
	defaultURL       = "wss://eventsub.wss.twitch.tv/ws"
	backoffFloor     = time.Second
	backoffCeiling   = 30 * time.Second
	watchdogSlack    = 5 * time.Second
	defaultKeepalive = 10 * time.Second
)

var (
	ErrSocketFault      = errors.New("eventsub: socket fault")
	ErrKeepaliveTimeout = errors.New("eventsub: keepalive timeout")
)

// CredentialGate reports whether a usable credential is held; no socket is
// opened and no reconnect is scheduled without one.
type CredentialGate func() (core.Credential, bool)

// NotificationHandler receives deduplicated notification payloads.
type NotificationHandler func(subType string, event json.RawMessage)

// Session is the EventSub WebSocket protocol state machine: it connects,
// tracks session identity, enforces the keepalive watchdog, honors
// server-directed reconnects, and backs off on faults.
type Session struct {
	URL        string
	Credential CredentialGate
	Diag       *diag.Publisher
	Reconciler *Reconciler
	OnNotify   NotificationHandler
	// OnTeardown runs whenever the session leaves ready (fault, close,
	// sign-out) so active effects can be cleared.
	OnTeardown func(reason string)
	// OnDuplicate runs for every notification dropped by the dedup cache.
	OnDuplicate func()

	timers *timers.Table
	dedup  *dedupCache
	dial   func(ctx context.Context, url string) (wsConn, error)

	mu        sync.Mutex
	state     State
	sessionID string
	keepalive time.Duration
	backoff   time.Duration
	gen       uint64
	conn      wsConn
	cancel    context.CancelFunc
	userID    string
}

// wsConn is the slice of *websocket.Conn the session uses; tests stub it.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

func NewSession(gate CredentialGate, d *diag.Publisher, rec *Reconciler, table *timers.Table) *Session {
	s := &Session{
		URL:        defaultURL,
		Credential: gate,
		Diag:       d,
		Reconciler: rec,
		timers:     table,
		dedup:      newDedupCache(dedupTTL),
		backoff:    backoffFloor,
		state:      StateIdle,
	}
	s.dial = func(ctx context.Context, url string) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(1 << 20)
		return conn, nil
	}
	return s
}

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the server-assigned session identity, if connected.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Connect opens the socket from idle/closed. It is a no-op while blocked,
// while no usable credential is held, or when already connecting.
func (s *Session) Connect() {
	cred, ok := s.Credential()
	if !ok {
		return
	}
	if s.Reconciler != nil && s.Reconciler.Blocked() {
		return
	}

	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateReady {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.gen++
	gen := s.gen
	s.userID = cred.UserID
	url := s.URL
	s.mu.Unlock()

	go s.runConn(gen, url)
}

// Close tears the session down without scheduling a reconnect. Used on
// sign-out and shutdown.
func (s *Session) Close(reason string) {
	s.timers.Cancel("reconnect")
	s.timers.Cancel("keepalive-watchdog")
	s.timers.Cancel("sync-deadline")

	s.mu.Lock()
	s.gen++ // invalidate all in-flight callbacks
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.state = StateIdle
	s.sessionID = ""
	s.dedup.Reset()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}

	s.Diag.Update(func(d *core.Diagnostics) {
		d.SocketConnected = false
		d.SessionID = ""
		d.Subscriptions = 0
		if reason != "" {
			d.LastError = reason
		}
	})
	if s.OnTeardown != nil {
		s.OnTeardown(reason)
	}
}

func (s *Session) runConn(gen uint64, url string) {
	ctx, cancel := context.WithCancel(context.Background())

	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	log.Printf("eventsub: connecting to %s", url)
	conn, err := s.dial(dialCtx, url)
	dialCancel()
	if err != nil {
		cancel()
		s.fault(gen, fmt.Errorf("%w: dial: %v", ErrSocketFault, err))
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.fault(gen, fmt.Errorf("%w: read: %v", ErrSocketFault, err))
			return
		}
		s.handleMessage(gen, data)
	}
}

// handleMessage processes one inbound envelope. Stale generations are
// ignored; the socket they belong to is already torn down.
func (s *Session) handleMessage(gen uint64, data []byte) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("eventsub: malformed envelope: %v", err)
		return
	}

	switch env.Metadata.MessageType {
	case msgWelcome:
		s.handleWelcome(gen, env.Payload)
	case msgKeepalive:
		s.resetWatchdog(gen)
		s.Diag.Update(func(d *core.Diagnostics) { d.LastKeepalive = time.Now().UTC() })
	case msgNotification:
		s.handleNotification(gen, env)
	case msgReconnect:
		s.handleReconnect(gen, env.Payload)
	case msgRevocation:
		s.handleRevocation(gen, env)
	case msgClose:
		s.handleClose(gen, env.Payload)
	default:
		log.Printf("eventsub: ignoring message type %q", env.Metadata.MessageType)
	}
}

func (s *Session) handleWelcome(gen uint64, payload json.RawMessage) {
	var p sessionPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Session.ID == "" {
		s.fault(gen, fmt.Errorf("%w: malformed welcome", ErrSocketFault))
		return
	}

	keepalive := time.Duration(p.Session.KeepaliveTimeoutSeconds) * time.Second
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	s.sessionID = p.Session.ID
	s.keepalive = keepalive
	s.backoff = backoffFloor // floor reset on every successful ready transition
	sessionID := s.sessionID
	userID := s.userID
	s.mu.Unlock()

	log.Printf("eventsub: session %s ready (keepalive %s)", sessionID, keepalive)
	s.resetWatchdog(gen)
	s.Diag.Update(func(d *core.Diagnostics) {
		d.SocketConnected = true
		d.SessionID = sessionID
		d.LastError = ""
	})

	go s.runSync(userID, sessionID)
}

func (s *Session) runSync(userID, sessionID string) {
	if s.Reconciler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), syncDeadline+5*time.Second)
	defer cancel()

	err := s.Reconciler.Sync(ctx, userID, sessionID)
	if err == nil || errors.Is(err, ErrSyncInFlight) {
		return
	}
	// OnBlocked/OnFailure callbacks own the teardown; nothing more here
	log.Printf("eventsub: subscription sync: %v", err)
}

func (s *Session) handleNotification(gen uint64, env envelope) {
	if s.dedup.Seen(env.Metadata.MessageID) {
		log.Printf("eventsub: duplicate notification %s dropped", env.Metadata.MessageID)
		if s.OnDuplicate != nil {
			s.OnDuplicate()
		}
		return
	}
	s.resetWatchdog(gen)

	var p notificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("eventsub: malformed notification payload: %v", err)
		return
	}

	subType := p.Subscription.Type
	if subType == "" {
		subType = env.Metadata.SubscriptionType
	}
	s.Diag.Update(func(d *core.Diagnostics) {
		d.LastNotification = time.Now().UTC()
		d.LastNotifyType = subType
	})

	if s.OnNotify != nil {
		s.OnNotify(subType, p.Event)
	}
}

func (s *Session) handleReconnect(gen uint64, payload json.RawMessage) {
	var p sessionPayload
	_ = json.Unmarshal(payload, &p)

	url := strings.TrimSpace(p.Session.ReconnectURL)
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	// server-directed reconnect resets backoff and honors the redirect
	s.backoff = backoffFloor
	target := s.URL
	if url != "" {
		target = url
	}
	s.mu.Unlock()

	log.Printf("eventsub: server requested reconnect")
	s.teardownConn(gen, "server reconnect")
	s.scheduleReconnectTo(target, 0)
}

func (s *Session) handleRevocation(gen uint64, env envelope) {
	var p notificationPayload
	_ = json.Unmarshal(env.Payload, &p)
	log.Printf("eventsub: subscription revoked: %s", p.Subscription.Type)
	s.Diag.SetError("subscription revoked: " + p.Subscription.Type)

	// revocation re-triggers reconciliation, not a reconnect
	s.mu.Lock()
	if s.gen != gen || s.state != StateReady {
		s.mu.Unlock()
		return
	}
	userID := s.userID
	sessionID := s.sessionID
	s.mu.Unlock()

	go s.runSync(userID, sessionID)
}

func (s *Session) handleClose(gen uint64, payload json.RawMessage) {
	var p sessionPayload
	_ = json.Unmarshal(payload, &p)
	status := p.Session.Status
	if status == "" {
		status = "closed by server"
	}
	log.Printf("eventsub: session closed: %s", status)
	s.Diag.SetError("session closed: " + status)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.teardownConn(gen, "session close: "+status)
	s.scheduleReconnect()
}

// Bounce tears the current connection down and schedules a reconnect with
// backoff. Used when subscription reconciliation fails recoverably.
func (s *Session) Bounce(reason string) {
	s.mu.Lock()
	gen := s.gen
	if s.conn == nil && s.state != StateReady && s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	log.Printf("eventsub: bouncing connection: %s", reason)
	s.Diag.SetError(reason)
	s.teardownConn(gen, reason)
	s.scheduleReconnect()
}

// fault handles socket errors and the keepalive watchdog: clear state,
// then reconnect with backoff.
func (s *Session) fault(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	log.Printf("eventsub: %v", err)
	s.Diag.SetError(err.Error())
	s.teardownConn(gen, err.Error())
	s.scheduleReconnect()
}

// teardownConn closes the socket and resets per-connection state without
// touching the reconnect timer.
func (s *Session) teardownConn(gen uint64, reason string) {
	s.timers.Cancel("keepalive-watchdog")

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.sessionID = ""
	if s.state != StateClosed {
		s.state = StateReconnecting
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}

	s.Diag.Update(func(d *core.Diagnostics) {
		d.SocketConnected = false
		d.SessionID = ""
		d.Subscriptions = 0
	})
	if s.OnTeardown != nil {
		s.OnTeardown(reason)
	}
}

// scheduleReconnect arms the reconnect timer with the current backoff and
// doubles it toward the ceiling. Nothing is scheduled while blocked or
// without a usable credential.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	delay := s.backoff
	s.backoff *= 2
	if s.backoff > backoffCeiling {
		s.backoff = backoffCeiling
	}
	url := s.URL
	s.mu.Unlock()

	s.scheduleReconnectTo(url, delay)
}

func (s *Session) scheduleReconnectTo(url string, delay time.Duration) {
	if _, ok := s.Credential(); !ok {
		log.Printf("eventsub: no usable credential; not reconnecting")
		return
	}
	if s.Reconciler != nil && s.Reconciler.Blocked() {
		log.Printf("eventsub: blocked; not reconnecting")
		return
	}

	log.Printf("eventsub: reconnecting in %s", delay)
	s.timers.Start("reconnect", delay, func() {
		cred, ok := s.Credential()
		if !ok {
			return
		}
		if s.Reconciler != nil && s.Reconciler.Blocked() {
			return
		}

		s.mu.Lock()
		if s.state == StateConnecting || s.state == StateReady {
			s.mu.Unlock()
			return
		}
		s.state = StateConnecting
		s.gen++
		gen := s.gen
		s.userID = cred.UserID
		s.mu.Unlock()

		go s.runConn(gen, url)
	})
}

// resetWatchdog re-arms the keepalive watchdog to the advertised timeout
// plus slack. If it fires, the session is treated as silently dead.
func (s *Session) resetWatchdog(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	timeout := s.keepalive + watchdogSlack
	s.mu.Unlock()

	s.timers.Start("keepalive-watchdog", timeout, func() {
		s.fault(gen, ErrKeepaliveTimeout)
	})
}

// Backoff returns the delay the next fault-driven reconnect would use.
func (s *Session) Backoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}
