// Package activity keeps the bounded, newest-first record of every routed
// event. Persistence is coalesced behind a short throttle window so event
// bursts stay cheap, and skipped entirely when the serialized log has not
// changed since the last write.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/tunereactor/internal/core"
	"github.com/you/tunereactor/internal/store"
)

const (
	maxEntries    = 200
	flushThrottle = 500 * time.Millisecond
)

type Log struct {
	kv       *store.KV
	throttle time.Duration

	mu            sync.Mutex
	entries       []core.Entry // newest first
	timer         *time.Timer
	closed        bool
	lastPersisted string
	onChange      []func([]core.Entry)
}

// NewLog opens the activity log, restoring persisted entries when present.
func NewLog(kv *store.KV) *Log {
	l := &Log{kv: kv, throttle: flushThrottle}
	if kv != nil {
		var restored []core.Entry
		if ok, err := kv.GetJSON(context.Background(), store.KeyActivityLog, &restored); err != nil {
			slog.Warn("activity: restore log", "err", err)
		} else if ok {
			if len(restored) > maxEntries {
				restored = restored[:maxEntries]
			}
			l.entries = restored
			if data, err := json.Marshal(restored); err == nil {
				l.lastPersisted = string(data)
			}
		}
	}
	return l
}

// OnChange registers an observer notified with a snapshot after every
// append or update.
func (l *Log) OnChange(fn func([]core.Entry)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// Append prepends an entry, assigning an id when the caller did not.
// Entries beyond the cap are evicted from the tail.
func (l *Log) Append(e core.Entry) string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Ts.IsZero() {
		e.Ts = time.Now().UTC()
	}

	l.mu.Lock()
	l.entries = append([]core.Entry{e}, l.entries...)
	if len(l.entries) > maxEntries {
		l.entries = l.entries[:maxEntries]
	}
	l.scheduleFlushLocked()
	snapshot, observers := l.snapshotLocked()
	l.mu.Unlock()

	notify(observers, snapshot)
	return e.ID
}

// Update mutates the entry with the given id in place. Returns false when
// the entry has already been evicted.
func (l *Log) Update(id string, fn func(*core.Entry)) bool {
	l.mu.Lock()
	found := false
	for i := range l.entries {
		if l.entries[i].ID == id {
			fn(&l.entries[i])
			found = true
			break
		}
	}
	if !found {
		l.mu.Unlock()
		return false
	}
	l.scheduleFlushLocked()
	snapshot, observers := l.snapshotLocked()
	l.mu.Unlock()

	notify(observers, snapshot)
	return true
}

// Entries returns a newest-first copy.
func (l *Log) Entries() []core.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.Entry(nil), l.entries...)
}

// Len returns the current entry count.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Flush persists immediately, bypassing the throttle. Used on shutdown.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()
	return l.persist(ctx)
}

// Close flushes and stops the throttle timer.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.Flush(context.Background())
}

func (l *Log) scheduleFlushLocked() {
	if l.kv == nil || l.closed || l.timer != nil {
		return
	}
	l.timer = time.AfterFunc(l.throttle, func() {
		l.mu.Lock()
		l.timer = nil
		l.mu.Unlock()
		if err := l.persist(context.Background()); err != nil {
			slog.Error("activity: persist log", "err", err)
		}
	})
}

func (l *Log) persist(ctx context.Context) error {
	if l.kv == nil {
		return nil
	}

	l.mu.Lock()
	data, err := json.Marshal(l.entries)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	serialized := string(data)
	if serialized == l.lastPersisted {
		l.mu.Unlock()
		return nil
	}
	l.lastPersisted = serialized
	l.mu.Unlock()

	return l.kv.Put(ctx, store.KeyActivityLog, serialized)
}

func (l *Log) snapshotLocked() ([]core.Entry, []func([]core.Entry)) {
	return append([]core.Entry(nil), l.entries...), append(([]func([]core.Entry))(nil), l.onChange...)
}

func notify(observers []func([]core.Entry), snapshot []core.Entry) {
	for _, fn := range observers {
		fn(snapshot)
	}
}
