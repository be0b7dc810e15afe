// Package effects turns matched bindings into delayed, revertible pitch
// and speed adjustments plus fire-and-forget chat sends, and publishes the
// aggregate of everything currently applied.
package effects

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/tunereactor/internal/activity"
	"github.com/you/tunereactor/internal/core"
	"github.com/you/tunereactor/internal/helix"
	"github.com/you/tunereactor/internal/rules"
	"github.com/you/tunereactor/internal/timers"
)

// ChatSender posts one chat message and returns the platform message id.
type ChatSender func(ctx context.Context, message string) (string, error)

// Effect is one scheduled, revertible application of a binding's
// operations to a matched event.
type Effect struct {
	ID           string
	BindingID    string
	BindingLabel string
	Operations   []core.Operation
	Delay        time.Duration
	Duration     *time.Duration
	Event        core.Event
	Source       core.Source
	EntryID      string
	Applied      bool
	appliedSeq   uint64
}

// Command is a per-effect apply/revert instruction published downstream.
type Command struct {
	Type       string           `json:"type"` // apply | revert
	EffectID   string           `json:"effect_id"`
	Label      string           `json:"label,omitempty"`
	Operations []core.Operation `json:"operations,omitempty"`
	DelayMS    int64            `json:"delay_ms,omitempty"`
	DurationMS *int64           `json:"duration_ms,omitempty"`
	Source     core.Source      `json:"source"`
}

// Scheduler owns every pending and applied effect and the timers that
// drive them. All mutation happens under one mutex; timer callbacks
// re-enter through exported methods and re-check effect identity, so a
// canceled or already-reverted effect firing late is a no-op.
type Scheduler struct {
	timers *timers.Table
	log    *activity.Log
	chat   ChatSender

	mu         sync.Mutex
	effects    map[string]*Effect
	applySeq   uint64
	lastTotals core.Totals
	onTotals   []func(core.Totals)
	onCommand  []func(Command)
}

func NewScheduler(table *timers.Table, log *activity.Log, chat ChatSender) *Scheduler {
	return &Scheduler{
		timers:  table,
		log:     log,
		chat:    chat,
		effects: make(map[string]*Effect),
	}
}

// OnTotals registers an observer for aggregate pitch/speed changes.
func (s *Scheduler) OnTotals(fn func(core.Totals)) {
	s.mu.Lock()
	s.onTotals = append(s.onTotals, fn)
	s.mu.Unlock()
}

// OnCommand registers an observer for per-effect apply/revert commands.
func (s *Scheduler) OnCommand(fn func(Command)) {
	s.mu.Lock()
	s.onCommand = append(s.onCommand, fn)
	s.mu.Unlock()
}

// Queue creates a scheduled effect for one fired binding, records the
// queued activity entry, and arms the apply timer.
func (s *Scheduler) Queue(m rules.Match, ev core.Event) string {
	b := m.Binding
	eff := &Effect{
		ID:           uuid.NewString(),
		BindingID:    b.ID,
		BindingLabel: b.Label,
		Operations:   m.Operations,
		Delay:        time.Duration(b.DelaySeconds * float64(time.Second)),
		Event:        ev,
		Source:       ev.Source,
	}
	if b.DurationSeconds != nil {
		d := time.Duration(*b.DurationSeconds * float64(time.Second))
		eff.Duration = &d
	}

	records := make([]core.ActionRecord, 0, len(m.Operations))
	for _, op := range m.Operations {
		records = append(records, core.ActionRecord{Kind: op.Kind, Mode: op.Mode, Value: op.Value, Message: op.Message})
	}
	eff.EntryID = s.log.Append(core.Entry{
		Source:          ev.Source,
		Kind:            ev.Kind,
		UserName:        ev.UserName,
		Detail:          rules.Detail(ev),
		MatchedBindings: []string{b.Label},
		Actions:         records,
		DelaySeconds:    b.DelaySeconds,
		DurationSeconds: b.DurationSeconds,
		Status:          core.StatusQueued,
	})

	s.mu.Lock()
	s.effects[eff.ID] = eff
	s.mu.Unlock()

	id := eff.ID
	s.timers.Start(applyKey(id), eff.Delay, func() { s.Apply(id) })
	return id
}

// Apply sends the effect's pitch/speed operations downstream, marks it
// applied, republishes totals, and arms the revert timer when the effect
// has a duration. Applying an unknown or already-applied effect is a
// no-op.
func (s *Scheduler) Apply(id string) {
	s.mu.Lock()
	eff, ok := s.effects[id]
	if !ok || eff.Applied {
		s.mu.Unlock()
		return
	}
	eff.Applied = true
	s.applySeq++
	eff.appliedSeq = s.applySeq

	var chatOps []core.Operation
	for _, op := range eff.Operations {
		if op.Kind == core.OpChat {
			chatOps = append(chatOps, op)
		}
	}
	cmd := s.commandLocked("apply", eff)
	totals, totalObservers, changed := s.recomputeLocked()
	cmdObservers := append(([]func(Command))(nil), s.onCommand...)
	entryID := eff.EntryID
	duration := eff.Duration
	s.mu.Unlock()

	s.log.Update(entryID, func(e *core.Entry) { e.Status = core.StatusApplied })
	for _, fn := range cmdObservers {
		fn(cmd)
	}
	if changed {
		for _, fn := range totalObservers {
			fn(totals)
		}
	}

	// chat is dispatched independently of the pitch/speed timers; its
	// outcome is patched back into the activity entry
	for _, op := range chatOps {
		go s.sendChat(entryID, op.Message)
	}

	if duration != nil {
		s.timers.Start(revertKey(id), *duration, func() { s.Revert(id, core.StatusReverted) })
	}
}

// Revert cancels the effect's timers, withdraws its operations from the
// totals if it had been applied, and moves its activity entry to the
// given terminal status. Reverting an unknown effect is a no-op.
func (s *Scheduler) Revert(id string, status core.EntryStatus) {
	s.timers.Cancel(applyKey(id))
	s.timers.Cancel(revertKey(id))

	s.mu.Lock()
	eff, ok := s.effects[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.effects, id)

	var cmd Command
	var cmdObservers []func(Command)
	if eff.Applied {
		cmd = s.commandLocked("revert", eff)
		cmdObservers = append(([]func(Command))(nil), s.onCommand...)
	}
	totals, totalObservers, changed := s.recomputeLocked()
	entryID := eff.EntryID
	s.mu.Unlock()

	s.log.Update(entryID, func(e *core.Entry) { e.Status = status })
	for _, fn := range cmdObservers {
		fn(cmd)
	}
	if changed {
		for _, fn := range totalObservers {
			fn(totals)
		}
	}
}

// ClearAll reverts every pending and applied effect. Used on sign-out,
// token expiry, and session teardown; afterwards no effect timer remains
// armed.
func (s *Scheduler) ClearAll(status core.EntryStatus) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.effects))
	for id := range s.effects {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Revert(id, status)
	}
	s.timers.CancelPrefix("effect:")
}

// Totals returns the current aggregate.
func (s *Scheduler) Totals() core.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTotals
}

// ActiveCount returns the number of pending plus applied effects.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.effects)
}

// recomputeLocked folds every applied effect into per-axis totals: adds
// are summed, and the most recently applied set contributes on top.
// Last-write-wins between concurrent sets is deliberate; reverting the
// winner falls back to the most recent remaining set.
func (s *Scheduler) recomputeLocked() (core.Totals, []func(core.Totals), bool) {
	var totals core.Totals
	var pitchSetSeq, speedSetSeq uint64
	var pitchSet, speedSet float64
	var pitchHasSet, speedHasSet bool

	for _, eff := range s.effects {
		if !eff.Applied {
			continue
		}
		for _, op := range eff.Operations {
			switch op.Kind {
			case core.OpPitch:
				if op.Mode == core.ActionSet {
					if eff.appliedSeq >= pitchSetSeq {
						pitchSetSeq, pitchSet, pitchHasSet = eff.appliedSeq, op.Value, true
					}
				} else {
					totals.SemitoneOffset += op.Value
				}
			case core.OpSpeed:
				if op.Mode == core.ActionSet {
					if eff.appliedSeq >= speedSetSeq {
						speedSetSeq, speedSet, speedHasSet = eff.appliedSeq, op.Value, true
					}
				} else {
					totals.SpeedPercent += op.Value
				}
			}
		}
	}
	if pitchHasSet {
		totals.SemitoneOffset += pitchSet
	}
	if speedHasSet {
		totals.SpeedPercent += speedSet
	}

	changed := totals != s.lastTotals
	s.lastTotals = totals
	return totals, append(([]func(core.Totals))(nil), s.onTotals...), changed
}

func (s *Scheduler) commandLocked(kind string, eff *Effect) Command {
	cmd := Command{
		Type:     kind,
		EffectID: eff.ID,
		Label:    eff.BindingLabel,
		DelayMS:  eff.Delay.Milliseconds(),
		Source:   eff.Source,
	}
	for _, op := range eff.Operations {
		if op.Kind != core.OpChat {
			cmd.Operations = append(cmd.Operations, op)
		}
	}
	if eff.Duration != nil {
		ms := eff.Duration.Milliseconds()
		cmd.DurationMS = &ms
	}
	return cmd
}

func (s *Scheduler) sendChat(entryID, message string) {
	if s.chat == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	msgID, err := s.chat(ctx, message)
	s.log.Update(entryID, func(e *core.Entry) {
		for i := range e.Actions {
			if e.Actions[i].Kind != core.OpChat || e.Actions[i].Message != message {
				continue
			}
			if err != nil {
				e.Actions[i].ChatFailure = helix.Scrub(err.Error())
			} else {
				e.Actions[i].ChatSent = true
				e.Actions[i].ChatMsgID = msgID
			}
			break
		}
	})
	if err != nil {
		slog.Warn("effects: chat send failed", "err", err)
	}
}

func applyKey(id string) string  { return fmt.Sprintf("effect:%s:apply", id) }
func revertKey(id string) string { return fmt.Sprintf("effect:%s:revert", id) }
