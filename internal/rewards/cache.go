// Package rewards caches the broadcaster's channel-points reward list for
// display and test-event construction.
package rewards

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/you/tunereactor/internal/core"
	"github.com/you/tunereactor/internal/helix"
	"github.com/you/tunereactor/internal/timers"
)

const (
	refreshInterval = 60 * time.Second
	manualDebounce  = 15 * time.Second
	timerKey        = "reward-refresh"
)

// Cache refreshes on successful authentication, every 60s thereafter, and
// on manual request. Manual requests are debounced and rejected while a
// refresh is in flight or while unauthenticated.
type Cache struct {
	// Fetch lists rewards for the authenticated broadcaster.
	Fetch func(ctx context.Context) ([]helix.Reward, error)
	// Authenticated reports whether a credential is currently held.
	Authenticated func() bool

	timers *timers.Table
	now    func() time.Time

	mu         sync.Mutex
	rewards    []helix.Reward
	inFlight   bool
	lastManual time.Time
	stopped    bool
}

func NewCache(table *timers.Table, fetch func(ctx context.Context) ([]helix.Reward, error), authed func() bool) *Cache {
	return &Cache{Fetch: fetch, Authenticated: authed, timers: table, now: time.Now}
}

// Start kicks off the initial refresh and the periodic timer. Called once
// after authentication succeeds.
func (c *Cache) Start() {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	go c.refresh()
	c.schedule()
}

// Stop cancels the periodic timer; the cached list is retained.
func (c *Cache) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.timers.Cancel(timerKey)
}

// Manual triggers a user-requested refresh.
func (c *Cache) Manual() core.Result {
	if c.Authenticated == nil || !c.Authenticated() {
		return core.FailResult("rewards.refresh.unauthenticated", nil)
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return core.FailResult("rewards.refresh.in_flight", nil)
	}
	now := c.now()
	if !c.lastManual.IsZero() && now.Sub(c.lastManual) < manualDebounce {
		c.mu.Unlock()
		return core.FailResult("rewards.refresh.debounced", nil)
	}
	c.lastManual = now
	c.mu.Unlock()

	go c.refresh()
	return core.OkResult("rewards.refresh.started", nil)
}

// Rewards returns a copy of the cached list.
func (c *Cache) Rewards() []helix.Reward {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]helix.Reward(nil), c.rewards...)
}

// Lookup returns the cached reward with the given id.
func (c *Cache) Lookup(id string) (helix.Reward, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rewards {
		if r.ID == id {
			return r, true
		}
	}
	return helix.Reward{}, false
}

func (c *Cache) schedule() {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}
	c.timers.Start(timerKey, refreshInterval, func() {
		c.refresh()
		c.schedule()
	})
}

func (c *Cache) refresh() {
	if c.Authenticated == nil || !c.Authenticated() || c.Fetch == nil {
		return
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	list, err := c.Fetch(ctx)

	c.mu.Lock()
	c.inFlight = false
	if err == nil {
		c.rewards = list
	}
	c.mu.Unlock()

	if err != nil {
		slog.Warn("rewards: refresh failed", "err", err)
		return
	}
	slog.Debug("rewards: refreshed", "count", len(list))
}
