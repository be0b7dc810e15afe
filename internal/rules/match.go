package rules

import (
	"strings"

	"github.com/you/tunereactor/internal/core"
)

// Match is one binding that fired for an event, with the operations it
// schedules. Bindings whose derived operation list is empty are not
// returned; the caller decides how to log them.
type Match struct {
	Binding    core.Binding
	Operations []core.Operation
}

// MatchBindings evaluates every enabled binding of the event's kind.
func MatchBindings(ev core.Event, bindings []core.Binding) []Match {
	var out []Match
	for _, b := range bindings {
		if !b.Enabled || b.Kind != ev.Kind {
			continue
		}
		if !predicateMatches(ev, b) {
			continue
		}
		ops := BuildOperations(b, ev)
		if len(ops) == 0 {
			continue
		}
		out = append(out, Match{Binding: b, Operations: ops})
	}
	return out
}

func predicateMatches(ev core.Event, b core.Binding) bool {
	switch ev.Kind {
	case core.KindChannelPoints:
		return b.RewardID != "" && b.RewardID == ev.RewardID

	case core.KindCheer:
		if b.Amount == nil {
			return true
		}
		return b.Amount.Matches(ev.Bits)

	case core.KindSub:
		if ev.IsGift {
			// gift subs are targeted by count predicates; tier-only
			// bindings are for direct subs
			if b.Amount == nil {
				return false
			}
			return b.Amount.Matches(ev.GiftCount)
		}
		if b.Amount != nil {
			return false
		}
		if len(b.Tiers) == 0 {
			return true
		}
		for _, tier := range b.Tiers {
			if tier == ev.Tier {
				return true
			}
		}
		return false

	case core.KindFollow:
		return true
	}
	return false
}

// BuildOperations derives the operation list for one matched binding: the
// pitch/speed delta from the action, plus a chat operation when the
// template is non-blank.
func BuildOperations(b core.Binding, ev core.Event) []core.Operation {
	var ops []core.Operation

	if b.Action.Value != 0 || b.Action.Mode == core.ActionSet {
		op := core.Operation{Mode: b.Action.Mode, Value: b.Action.Value}
		switch b.Action.Axis {
		case core.AxisPitch:
			op.Kind = core.OpPitch
			ops = append(ops, op)
		case core.AxisSpeed:
			op.Kind = core.OpSpeed
			ops = append(ops, op)
		}
	}

	if msg := RenderTemplate(b.ChatTemplate, ev); strings.TrimSpace(msg) != "" {
		ops = append(ops, core.Operation{Kind: core.OpChat, Message: msg})
	}

	return ops
}
