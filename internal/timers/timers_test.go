package timers

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestStartReplacesPending(t *testing.T) {
	table := NewTable()

	var first, second atomic.Int32
	table.Start("reconnect", 50*time.Millisecond, func() { first.Add(1) })
	table.Start("reconnect", 10*time.Millisecond, func() { second.Add(1) })

	time.Sleep(150 * time.Millisecond)

	if got := first.Load(); got != 0 {
		t.Fatalf("replaced timer fired %d times", got)
	}
	if got := second.Load(); got != 1 {
		t.Fatalf("second timer fired %d times, want 1", got)
	}
	if table.Pending("reconnect") {
		t.Fatalf("fired timer should not stay pending")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	table := NewTable()

	var fired atomic.Int32
	table.Start("watchdog", 20*time.Millisecond, func() { fired.Add(1) })
	table.Cancel("watchdog")
	table.Cancel("watchdog")
	table.Cancel("never-started")

	time.Sleep(80 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("canceled timer fired %d times", got)
	}
}

func TestCancelAll(t *testing.T) {
	table := NewTable()

	var fired atomic.Int32
	for _, key := range []string{"a", "b", "c"} {
		table.Start(key, 20*time.Millisecond, func() { fired.Add(1) })
	}
	if table.Len() != 3 {
		t.Fatalf("Len = %d, want 3", table.Len())
	}

	table.CancelAll()
	if table.Len() != 0 {
		t.Fatalf("Len after CancelAll = %d", table.Len())
	}

	time.Sleep(80 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("%d timers fired after CancelAll", got)
	}
}

func TestCancelPrefix(t *testing.T) {
	table := NewTable()

	var effect, other atomic.Int32
	table.Start("effect:1:apply", 20*time.Millisecond, func() { effect.Add(1) })
	table.Start("effect:2:revert", 20*time.Millisecond, func() { effect.Add(1) })
	table.Start("reward-refresh", 20*time.Millisecond, func() { other.Add(1) })

	table.CancelPrefix("effect:")

	time.Sleep(80 * time.Millisecond)
	if got := effect.Load(); got != 0 {
		t.Fatalf("effect timers fired %d times after CancelPrefix", got)
	}
	if got := other.Load(); got != 1 {
		t.Fatalf("unrelated timer fired %d times, want 1", got)
	}
}

func TestZeroDelayRunsAsync(t *testing.T) {
	table := NewTable()

	done := make(chan struct{})
	table.Start("apply", 0, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("zero-delay timer never fired")
	}
}
