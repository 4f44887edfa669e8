package guard

import (
	"fmt"
	"sync"

	"github.com/flitsinc/agentdeck/internal/stream"
)

// ErrLocked reports a cancel attempt before the session produced
// evidence of live progress. Callers map it to a conflict response
// rather than killing a process that may not have started streaming.
type ErrLocked struct {
	SessionID string
}

func (e *ErrLocked) Error() string {
	return fmt.Sprintf("session %s has not streamed live output yet", e.SessionID)
}

// Guard gates cancellation per session. A session starts locked and
// unlocks on the first live non-replay non-terminal event, or on any
// terminal event. Once unlocked it never re-locks, even across
// reconnects.
type Guard struct {
	mu       sync.Mutex
	unlocked map[string]bool
}

func New() *Guard {
	return &Guard{unlocked: map[string]bool{}}
}

// Observe feeds an event through the guard. Replayed events never
// unlock: only live progress proves the process is far enough along to
// cancel safely. Terminal events unlock unconditionally so a stuck
// session can always be cleaned up.
func (g *Guard) Observe(sessionID string, typ stream.EventType, replay bool) {
	if typ.Terminal() {
		g.unlock(sessionID)
		return
	}
	if replay {
		return
	}
	g.unlock(sessionID)
}

// Check returns ErrLocked while the session has produced no qualifying
// event.
func (g *Guard) Check(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.unlocked[sessionID] {
		return &ErrLocked{SessionID: sessionID}
	}
	return nil
}

// Forget drops a session's guard state after it ends.
func (g *Guard) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.unlocked, sessionID)
}

func (g *Guard) unlock(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlocked[sessionID] = true
}

// Tracker counts in-flight runs per project so the API can report
// whether an agent is busy without touching engine internals.
type Tracker struct {
	mu     sync.Mutex
	active map[string]map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{active: map[string]map[string]struct{}{}}
}

func (t *Tracker) Add(projectID, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reqs, ok := t.active[projectID]
	if !ok {
		reqs = map[string]struct{}{}
		t.active[projectID] = reqs
	}
	reqs[requestID] = struct{}{}
}

func (t *Tracker) Remove(projectID, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reqs, ok := t.active[projectID]
	if !ok {
		return
	}
	delete(reqs, requestID)
	if len(reqs) == 0 {
		delete(t.active, projectID)
	}
}

func (t *Tracker) Count(projectID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active[projectID])
}

func (t *Tracker) HasActive(projectID string) bool {
	return t.Count(projectID) > 0
}
