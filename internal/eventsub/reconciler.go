package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/you/tunereactor/internal/core"
	"github.com/you/tunereactor/internal/diag"
	"github.com/you/tunereactor/internal/helix"
	"github.com/you/tunereactor/internal/rules"
	"github.com/you/tunereactor/internal/timers"
)

const syncDeadline = 10 * time.Second

var (
	// ErrPermissionDenied is terminal for the session: the blocked flag is
	// set and no retry is scheduled.
	ErrPermissionDenied = errors.New("eventsub: subscription permission denied")
	// ErrSyncInFlight means a sync was dropped because one is running; the
	// next relevant event re-triggers it.
	ErrSyncInFlight = errors.New("eventsub: sync already in flight")
)

// SyncError wraps a recoverable reconciliation failure.
type SyncError struct {
	Err error
}

func (e *SyncError) Error() string { return "eventsub: subscription sync failed: " + e.Err.Error() }
func (e *SyncError) Unwrap() error { return e.Err }

// requiredSubscriptions is the desired server-side set: one subscription
// per supported event kind, scoped to the broadcaster.
func requiredSubscriptions(broadcasterID string, sessionID string) []helix.SubscriptionRequest {
	transport := helix.Transport{Method: "websocket", SessionID: sessionID}
	cond := map[string]string{"broadcaster_user_id": broadcasterID}
	followCond := map[string]string{
		"broadcaster_user_id": broadcasterID,
		"moderator_user_id":   broadcasterID,
	}
	return []helix.SubscriptionRequest{
		{Type: rules.TypeChannelPoints, Version: "1", Condition: cond, Transport: transport},
		{Type: rules.TypeCheer, Version: "1", Condition: cond, Transport: transport},
		{Type: rules.TypeSub, Version: "1", Condition: cond, Transport: transport},
		{Type: rules.TypeGiftSub, Version: "1", Condition: cond, Transport: transport},
		{Type: rules.TypeFollow, Version: "2", Condition: followCond, Transport: transport},
	}
}

// Reconciler diffs the desired subscription set against the server's and
// creates/deletes to converge, once per session. Reentrant triggers
// (welcome, revocation, failure, manual) are collapsed by an in-flight
// guard; a sync triggered mid-sync is dropped, not queued.
type Reconciler struct {
	Helix *helix.Client
	Diag  *diag.Publisher

	// OnReady is called when the sync converged; count is the number of
	// active subscriptions.
	OnReady func(count int)
	// OnFailure is called for recoverable failures so the session can
	// schedule a reconnect instead of retrying the sync directly.
	OnFailure func(err error)
	// OnBlocked is called once on a permission failure; the session is
	// torn down and never retried until re-authentication.
	OnBlocked func()

	timers *timers.Table

	mu       sync.Mutex
	inFlight bool
	blocked  bool
}

func NewReconciler(client *helix.Client, d *diag.Publisher, table *timers.Table) *Reconciler {
	return &Reconciler{Helix: client, Diag: d, timers: table}
}

// Blocked reports whether a permission failure has permanently halted
// reconciliation for the current credential.
func (r *Reconciler) Blocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked
}

// Reset clears the blocked flag. Called when a new credential is obtained.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.blocked = false
	r.mu.Unlock()
}

// Sync converges the server-side subscription set for the given session.
// A sync triggered while one is in flight is dropped with
// ErrSyncInFlight; the system re-triggers on the next relevant event.
func (r *Reconciler) Sync(ctx context.Context, broadcasterID, sessionID string) error {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return ErrSyncInFlight
	}
	if r.blocked {
		r.mu.Unlock()
		return ErrPermissionDenied
	}
	r.inFlight = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	// the deadline guards the whole pass; if it fires first the session
	// tears the connection down and schedules a reconnect
	done := make(chan struct{})
	defer close(done)
	r.timers.Start("sync-deadline", syncDeadline, func() {
		select {
		case <-done:
		default:
			slog.Warn("eventsub: subscription sync deadline exceeded")
			if r.OnFailure != nil {
				r.OnFailure(&SyncError{Err: errors.New("sync deadline exceeded")})
			}
		}
	})
	defer r.timers.Cancel("sync-deadline")

	err := r.sync(ctx, broadcasterID, sessionID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, helix.ErrForbidden):
		r.mu.Lock()
		r.blocked = true
		r.mu.Unlock()
		r.Diag.SetError("subscription permission denied")
		if r.OnBlocked != nil {
			r.OnBlocked()
		}
		return ErrPermissionDenied
	default:
		serr := &SyncError{Err: err}
		r.Diag.SetError(serr.Error())
		if r.OnFailure != nil {
			r.OnFailure(serr)
		}
		return serr
	}
}

func (r *Reconciler) sync(ctx context.Context, broadcasterID, sessionID string) error {
	existing, err := r.Helix.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	active := 0
	for _, req := range requiredSubscriptions(broadcasterID, sessionID) {
		found := false
		for _, sub := range existing {
			if sub.Type != req.Type || !conditionMatches(sub.Condition, req.Condition) {
				continue
			}
			if sub.Transport.SessionID == sessionID && sub.Status == "enabled" {
				found = true
				continue
			}
			// required definition bound to a stale session
			if err := r.Helix.DeleteSubscription(ctx, sub.ID); err != nil {
				slog.Warn("eventsub: delete stale subscription", "type", sub.Type, "err", err)
			}
		}
		if found {
			active++
			continue
		}
		if _, err := r.Helix.CreateSubscription(ctx, req); err != nil {
			return fmt.Errorf("create %s: %w", req.Type, err)
		}
		active++
	}

	r.Diag.Update(func(d *core.Diagnostics) { d.Subscriptions = active })
	slog.Info("eventsub: subscriptions reconciled", "active", active, "session", sessionID)
	if r.OnReady != nil {
		r.OnReady(active)
	}
	return nil
}

func conditionMatches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
