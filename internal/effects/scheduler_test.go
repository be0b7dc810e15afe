package effects

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/you/tunereactor/internal/activity"
	"github.com/you/tunereactor/internal/core"
	"github.com/you/tunereactor/internal/rules"
	"github.com/you/tunereactor/internal/timers"
)

func floatp(f float64) *float64 { return &f }

func newScheduler(t *testing.T, chat ChatSender) (*Scheduler, *activity.Log) {
	t.Helper()
	log := activity.NewLog(nil)
	s := NewScheduler(timers.NewTable(), log, chat)
	return s, log
}

func pitchMatch(id string, value float64, delay float64, duration *float64) rules.Match {
	return rules.Match{
		Binding: core.Binding{
			ID:              id,
			Label:           id,
			Enabled:         true,
			Kind:            core.KindChannelPoints,
			Action:          core.Action{Axis: core.AxisPitch, Mode: core.ActionAdd, Value: value},
			DelaySeconds:    delay,
			DurationSeconds: duration,
		},
		Operations: []core.Operation{{Kind: core.OpPitch, Mode: core.ActionAdd, Value: value}},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQueueApplyRevertLifecycle(t *testing.T) {
	s, log := newScheduler(t, nil)

	ev := core.Event{Kind: core.KindChannelPoints, RewardID: "R1", RewardTitle: "Chipmunk", Source: core.SourceReal}
	s.Queue(pitchMatch("b1", 3, 0, floatp(0.1)), ev)

	waitFor(t, "apply", func() bool { return s.Totals().SemitoneOffset == 3 })

	entries := log.Entries()
	if len(entries) != 1 || entries[0].Status != core.StatusApplied {
		t.Fatalf("entry after apply = %+v", entries)
	}

	waitFor(t, "auto revert", func() bool { return s.Totals().SemitoneOffset == 0 })
	waitFor(t, "entry reverted", func() bool { return log.Entries()[0].Status == core.StatusReverted })

	if s.ActiveCount() != 0 {
		t.Fatalf("active = %d after revert", s.ActiveCount())
	}
}

func TestAdditiveTotalsAcrossEffects(t *testing.T) {
	s, _ := newScheduler(t, nil)
	ev := core.Event{Kind: core.KindChannelPoints, Source: core.SourceReal}

	a := s.Queue(pitchMatch("a", 2, 0, nil), ev)
	b := s.Queue(pitchMatch("b", 2, 0, nil), ev)

	waitFor(t, "both applied", func() bool { return s.Totals().SemitoneOffset == 4 })

	s.Revert(a, core.StatusReverted)
	if got := s.Totals().SemitoneOffset; got != 2 {
		t.Fatalf("total after one revert = %v, want 2", got)
	}

	s.Revert(b, core.StatusReverted)
	if got := s.Totals().SemitoneOffset; got != 0 {
		t.Fatalf("total after both reverts = %v, want 0", got)
	}
}

func TestLastSetWins(t *testing.T) {
	s, _ := newScheduler(t, nil)
	ev := core.Event{Kind: core.KindCheer, Source: core.SourceReal}

	set := func(id string, v float64) rules.Match {
		m := pitchMatch(id, v, 0, nil)
		m.Binding.Action.Mode = core.ActionSet
		m.Operations = []core.Operation{{Kind: core.OpSpeed, Mode: core.ActionSet, Value: v}}
		return m
	}

	first := s.Queue(set("first", 150), ev)
	s.Apply(first)
	second := s.Queue(set("second", 80), ev)
	s.Apply(second)

	if got := s.Totals().SpeedPercent; got != 80 {
		t.Fatalf("speed total = %v, want last set 80", got)
	}

	// reverting the winner falls back to the earlier set
	s.Revert(second, core.StatusReverted)
	if got := s.Totals().SpeedPercent; got != 150 {
		t.Fatalf("speed total after revert = %v, want 150", got)
	}
}

func TestSetPlusAdds(t *testing.T) {
	s, _ := newScheduler(t, nil)
	ev := core.Event{Kind: core.KindCheer, Source: core.SourceReal}

	add := s.Queue(pitchMatch("add", 2, 0, nil), ev)
	s.Apply(add)

	setMatch := pitchMatch("set", 5, 0, nil)
	setMatch.Binding.Action.Mode = core.ActionSet
	setMatch.Operations = []core.Operation{{Kind: core.OpPitch, Mode: core.ActionSet, Value: 5}}
	setID := s.Queue(setMatch, ev)
	s.Apply(setID)

	if got := s.Totals().SemitoneOffset; got != 7 {
		t.Fatalf("total = %v, want adds(2) + set(5)", got)
	}
}

func TestNoDurationNeverAutoReverts(t *testing.T) {
	s, log := newScheduler(t, nil)
	ev := core.Event{Kind: core.KindFollow, Source: core.SourceReal}

	s.Queue(pitchMatch("sticky", 1, 0, nil), ev)
	waitFor(t, "apply", func() bool { return s.Totals().SemitoneOffset == 1 })

	time.Sleep(150 * time.Millisecond)
	if got := s.Totals().SemitoneOffset; got != 1 {
		t.Fatalf("effect without duration reverted on its own: total = %v", got)
	}
	if log.Entries()[0].Status != core.StatusApplied {
		t.Fatalf("status = %q", log.Entries()[0].Status)
	}
}

func TestClearAllCancelsPendingAndApplied(t *testing.T) {
	table := timers.NewTable()
	log := activity.NewLog(nil)
	s := NewScheduler(table, log, nil)
	ev := core.Event{Kind: core.KindSub, Source: core.SourceReal}

	applied := s.Queue(pitchMatch("applied", 2, 0, nil), ev)
	s.Apply(applied)
	s.Queue(pitchMatch("pending", 2, 60, nil), ev) // queued, apply timer one minute out

	s.ClearAll(core.StatusReverted)

	if s.ActiveCount() != 0 {
		t.Fatalf("active = %d after ClearAll", s.ActiveCount())
	}
	if got := s.Totals().SemitoneOffset; got != 0 {
		t.Fatalf("totals after ClearAll = %v", got)
	}
	if table.Len() != 0 {
		t.Fatalf("%d timers still armed after ClearAll", table.Len())
	}
	for _, e := range log.Entries() {
		if e.Status != core.StatusReverted {
			t.Fatalf("entry %q status = %q", e.MatchedBindings, e.Status)
		}
	}
}

func TestRevertUnknownEffectIsNoop(t *testing.T) {
	s, log := newScheduler(t, nil)
	s.Revert("missing", core.StatusReverted)
	if log.Len() != 0 {
		t.Fatalf("noop revert wrote a log entry")
	}
}

func TestChatOutcomePatchedIntoEntry(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	chat := func(_ context.Context, message string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, message)
		if message == "fail me" {
			return "", errors.New("status 403: oauth:secret rejected")
		}
		return "msg-1", nil
	}

	s, log := newScheduler(t, chat)
	ev := core.Event{Kind: core.KindCheer, UserName: "viewer", Bits: 50, Source: core.SourceReal}

	m := pitchMatch("with-chat", 1, 0, nil)
	m.Operations = append(m.Operations, core.Operation{Kind: core.OpChat, Message: "thanks viewer!"})
	s.Queue(m, ev)

	waitFor(t, "chat sent", func() bool {
		e := log.Entries()[0]
		return len(e.Actions) == 2 && e.Actions[1].ChatSent
	})
	if got := log.Entries()[0].Actions[1].ChatMsgID; got != "msg-1" {
		t.Fatalf("chat msg id = %q", got)
	}

	m2 := pitchMatch("chat-fail", 1, 0, nil)
	m2.Operations = append(m2.Operations, core.Operation{Kind: core.OpChat, Message: "fail me"})
	s.Queue(m2, ev)

	waitFor(t, "chat failure recorded", func() bool {
		e := log.Entries()[0]
		return len(e.Actions) == 2 && e.Actions[1].ChatFailure != ""
	})

	e := log.Entries()[0]
	if e.Actions[1].ChatFailure == "" || e.Status != core.StatusApplied {
		t.Fatalf("entry = %+v", e)
	}
	// failure text must be scrubbed and must not disturb the pitch op
	if got := e.Actions[1].ChatFailure; got != "status 403: oauth:*** rejected" {
		t.Fatalf("failure = %q", got)
	}
	if s.Totals().SemitoneOffset != 2 {
		t.Fatalf("chat failure affected pitch totals: %v", s.Totals().SemitoneOffset)
	}
}

func TestCommandsPublished(t *testing.T) {
	s, _ := newScheduler(t, nil)

	var mu sync.Mutex
	var cmds []Command
	s.OnCommand(func(c Command) {
		mu.Lock()
		cmds = append(cmds, c)
		mu.Unlock()
	})

	ev := core.Event{Kind: core.KindFollow, Source: core.SourceTest}
	id := s.Queue(pitchMatch("fx", 2, 0, nil), ev)
	waitFor(t, "apply command", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cmds) == 1
	})
	s.Revert(id, core.StatusReverted)

	mu.Lock()
	defer mu.Unlock()
	if len(cmds) != 2 || cmds[0].Type != "apply" || cmds[1].Type != "revert" {
		t.Fatalf("commands = %+v", cmds)
	}
	if cmds[0].Source != core.SourceTest {
		t.Fatalf("source tag = %q", cmds[0].Source)
	}
}
