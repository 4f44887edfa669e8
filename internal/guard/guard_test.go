package guard

import (
	"errors"
	"testing"

	"github.com/flitsinc/agentdeck/internal/stream"
)

func TestGuardStartsLocked(t *testing.T) {
	g := New()
	err := g.Check("sess-1")
	var locked *ErrLocked
	if !errors.As(err, &locked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if locked.SessionID != "sess-1" {
		t.Fatalf("expected session id in error, got %q", locked.SessionID)
	}
}

func TestGuardIgnoresReplayedEvents(t *testing.T) {
	g := New()
	g.Observe("sess-1", stream.EventAssistantDelta, true)
	g.Observe("sess-1", stream.EventToolCallStarted, true)
	if err := g.Check("sess-1"); err == nil {
		t.Fatalf("replayed events must not unlock the guard")
	}
}

func TestGuardUnlocksOnLiveEvent(t *testing.T) {
	g := New()
	g.Observe("sess-1", stream.EventAssistantDelta, false)
	if err := g.Check("sess-1"); err != nil {
		t.Fatalf("expected unlocked after live event, got %v", err)
	}
	// Never re-locks, even if later events are replays.
	g.Observe("sess-1", stream.EventAssistantDelta, true)
	if err := g.Check("sess-1"); err != nil {
		t.Fatalf("guard must not re-lock, got %v", err)
	}
}

func TestGuardUnlocksOnTerminalEventEvenReplayed(t *testing.T) {
	g := New()
	g.Observe("sess-1", stream.EventTurnEnd, true)
	if err := g.Check("sess-1"); err != nil {
		t.Fatalf("terminal event must unlock regardless of replay, got %v", err)
	}
}

func TestGuardSessionsAreIndependent(t *testing.T) {
	g := New()
	g.Observe("sess-1", stream.EventAssistantDelta, false)
	if err := g.Check("sess-2"); err == nil {
		t.Fatalf("unlocking one session must not unlock another")
	}
}

func TestTrackerCounts(t *testing.T) {
	tr := NewTracker()
	if tr.HasActive("proj-1") {
		t.Fatalf("fresh tracker must report no activity")
	}
	tr.Add("proj-1", "req-1")
	tr.Add("proj-1", "req-2")
	tr.Add("proj-2", "req-3")
	if tr.Count("proj-1") != 2 {
		t.Fatalf("expected 2 active, got %d", tr.Count("proj-1"))
	}
	tr.Remove("proj-1", "req-1")
	if tr.Count("proj-1") != 1 {
		t.Fatalf("expected 1 active, got %d", tr.Count("proj-1"))
	}
	tr.Remove("proj-1", "req-2")
	if tr.HasActive("proj-1") {
		t.Fatalf("expected no activity after removals")
	}
	if tr.Count("proj-2") != 1 {
		t.Fatalf("projects must be tracked independently")
	}
}
