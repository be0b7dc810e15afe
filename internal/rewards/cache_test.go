package rewards

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you/tunereactor/internal/helix"
	"github.com/you/tunereactor/internal/timers"
)

func TestManualRejectedWhileUnauthenticated(t *testing.T) {
	c := NewCache(timers.NewTable(), nil, func() bool { return false })

	res := c.Manual()
	if res.OK || res.MessageKey != "rewards.refresh.unauthenticated" {
		t.Fatalf("result = %+v", res)
	}
}

func TestManualDebounce(t *testing.T) {
	var fetches atomic.Int32
	c := NewCache(timers.NewTable(), func(context.Context) ([]helix.Reward, error) {
		fetches.Add(1)
		return []helix.Reward{{ID: "r1", Title: "Chipmunk", Cost: 500}}, nil
	}, func() bool { return true })

	now := time.Now()
	c.now = func() time.Time { return now }

	if res := c.Manual(); !res.OK {
		t.Fatalf("first manual refresh rejected: %+v", res)
	}

	// second request inside the 15s window is rejected
	now = now.Add(5 * time.Second)
	if res := c.Manual(); res.OK || res.MessageKey != "rewards.refresh.debounced" {
		t.Fatalf("result = %+v", res)
	}

	// after the window a new request goes through
	deadline := time.Now().Add(time.Second)
	for fetches.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	now = now.Add(20 * time.Second)
	if res := c.Manual(); !res.OK {
		t.Fatalf("post-debounce refresh rejected: %+v", res)
	}
}

func TestManualRejectedWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	c := NewCache(timers.NewTable(), func(context.Context) ([]helix.Reward, error) {
		<-release
		return nil, nil
	}, func() bool { return true })

	if res := c.Manual(); !res.OK {
		t.Fatalf("first refresh rejected: %+v", res)
	}

	// wait until the refresh goroutine is actually in flight
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		inFlight := c.inFlight
		c.mu.Unlock()
		if inFlight {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	c.now = func() time.Time { return time.Now().Add(time.Minute) }
	if res := c.Manual(); res.OK || res.MessageKey != "rewards.refresh.in_flight" {
		t.Fatalf("result = %+v", res)
	}
	close(release)
}

func TestLookupAndRewardsCopy(t *testing.T) {
	c := NewCache(timers.NewTable(), func(context.Context) ([]helix.Reward, error) {
		return []helix.Reward{{ID: "r1", Title: "Chipmunk", Cost: 500}}, nil
	}, func() bool { return true })

	c.refresh()

	if _, ok := c.Lookup("r1"); !ok {
		t.Fatalf("lookup miss after refresh")
	}
	if _, ok := c.Lookup("nope"); ok {
		t.Fatalf("lookup hit for unknown id")
	}

	list := c.Rewards()
	list[0].Title = "mutated"
	if got, _ := c.Lookup("r1"); got.Title != "Chipmunk" {
		t.Fatalf("Rewards returned shared backing array")
	}
}

func TestStopCancelsPeriodicTimer(t *testing.T) {
	table := timers.NewTable()
	c := NewCache(table, func(context.Context) ([]helix.Reward, error) { return nil, nil }, func() bool { return true })

	c.Start()
	if !table.Pending(timerKey) {
		t.Fatalf("periodic timer not armed after Start")
	}
	c.Stop()
	if table.Pending(timerKey) {
		t.Fatalf("periodic timer still armed after Stop")
	}
}
