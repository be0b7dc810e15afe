// Package timers provides a table of cancelable one-shot timers keyed by
// purpose. Starting a key replaces any pending timer for that key; cancel
// is idempotent, and a fire that lost the race with a cancel or a restart
// is a no-op.
package timers

import (
	"sync"
	"time"
)

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Table owns a set of named one-shot timers.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Start arms (or re-arms) the timer named key to run fn after d. A zero or
// negative d still goes through the timer so fn never runs synchronously
// under the caller's locks.
func (t *Table) Start(key string, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}

	t.mu.Lock()
	if prev, ok := t.entries[key]; ok {
		prev.timer.Stop()
	}
	t.gen++
	gen := t.gen
	e := &entry{gen: gen}
	e.timer = time.AfterFunc(d, func() {
		if !t.claim(key, gen) {
			return
		}
		fn()
	})
	t.entries[key] = e
	t.mu.Unlock()
}

// claim removes the entry for key if it still belongs to gen. A false
// return means the timer was canceled or replaced after firing was
// already scheduled.
func (t *Table) claim(key string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(t.entries, key)
	return true
}

// Cancel stops the timer named key. Canceling an unknown, already-fired,
// or already-canceled key is a no-op.
func (t *Table) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		e.timer.Stop()
		delete(t.entries, key)
	}
}

// CancelAll stops every pending timer. Used on sign-out and shutdown so no
// stale timer fires against torn-down state.
func (t *Table) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}

// CancelPrefix stops every pending timer whose key starts with prefix.
func (t *Table) CancelPrefix(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			e.timer.Stop()
			delete(t.entries, key)
		}
	}
}

// Pending reports whether a timer named key is armed.
func (t *Table) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Len returns the number of armed timers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
