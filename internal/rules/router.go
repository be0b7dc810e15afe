package rules

import (
	"fmt"
	"time"

	"github.com/you/tunereactor/internal/core"
)

// Router drives the normalize → match → schedule pipeline. Real and test
// notifications go through the same path.
type Router struct {
	// Bindings returns the current rule set; it is read-only input
	// supplied by the UI layer.
	Bindings func() []core.Binding
	// Schedule hands one fired binding to the effect scheduler.
	Schedule func(m Match, ev core.Event)
	// LogSkipped records an event that matched no binding.
	LogSkipped func(ev core.Event)

	Now func() time.Time
}

// Route classifies one notification payload and dispatches every match.
// It returns the number of bindings that fired. Unknown types and payloads
// missing their identifying fields are dropped silently.
func (r *Router) Route(subType string, payload []byte, source core.Source) int {
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}

	ev, ok := Normalize(subType, payload, source, now)
	if !ok {
		return 0
	}

	var bindings []core.Binding
	if r.Bindings != nil {
		bindings = r.Bindings()
	}

	matches := MatchBindings(ev, bindings)
	if len(matches) == 0 {
		if r.LogSkipped != nil {
			r.LogSkipped(ev)
		}
		return 0
	}

	for _, m := range matches {
		if r.Schedule != nil {
			r.Schedule(m, ev)
		}
	}
	return len(matches)
}

// Detail renders the kind-specific activity-log detail line for an event.
func Detail(ev core.Event) string {
	switch ev.Kind {
	case core.KindChannelPoints:
		return fmt.Sprintf("reward %q (%d)", ev.RewardTitle, ev.RewardCost)
	case core.KindCheer:
		return fmt.Sprintf("%d bits", ev.Bits)
	case core.KindSub:
		if ev.IsGift {
			return fmt.Sprintf("%s gift x%d", prettyTier(ev.Tier), ev.GiftCount)
		}
		return prettyTier(ev.Tier)
	case core.KindFollow:
		return "follow"
	}
	return ""
}
