// Package diag owns the mutable diagnostics snapshot. State is mutated in
// place through Update and republished to observers on every change; no
// history is retained.
package diag

import (
	"sync"

	"github.com/you/tunereactor/internal/core"
)

type Publisher struct {
	mu        sync.Mutex
	d         core.Diagnostics
	observers []func(core.Diagnostics)
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

// OnChange registers an observer called with a snapshot copy after every
// Update.
func (p *Publisher) OnChange(fn func(core.Diagnostics)) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// Update mutates the snapshot and republishes it.
func (p *Publisher) Update(fn func(*core.Diagnostics)) {
	p.mu.Lock()
	fn(&p.d)
	snapshot := p.d
	observers := append(([]func(core.Diagnostics))(nil), p.observers...)
	p.mu.Unlock()

	for _, o := range observers {
		o(snapshot)
	}
}

// SetError overwrites lastError; it is best-effort and overwritten by the
// next event.
func (p *Publisher) SetError(msg string) {
	p.Update(func(d *core.Diagnostics) { d.LastError = msg })
}

// Snapshot returns a copy of the current state.
func (p *Publisher) Snapshot() core.Diagnostics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.d
}
