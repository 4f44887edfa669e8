package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/flitsinc/agentdeck/internal/stream"
)

// Message is a rendered transcript unit reconstructed from canonical
// events. Streaming marks an unfinished buffer; Visible gates units
// that exist but should not be shown yet.
type Message struct {
	ID        string
	SessionID string
	Kind      string // text, reasoning, tool, error
	Content   string
	Summary   string
	Output    string
	CallID    string
	Streaming bool
	Visible   bool
	IsError   bool
	Ordinal   int
}

// DefaultReasoningDelay is how long a reasoning buffer stays hidden
// after its first delta. Brief flickers of thinking never render; a
// sustained stretch does.
const DefaultReasoningDelay = 1000 * time.Millisecond

// Engine folds ordered events into per-session message lists. It is
// the single place deltas become rendered units, shared by every
// frontend of the transcript.
type Engine struct {
	mu             sync.Mutex
	sessions       map[string]*sessionView
	reasoningDelay time.Duration
	onUpdate       func(sessionID string)
}

type sessionView struct {
	lastSeq   int64
	ordinal   int
	messages  []*Message
	text      *Message
	reasoning *Message
	// reasoningGen stamps each reasoning buffer so a visibility timer
	// from an earlier buffer can never reveal a later one.
	reasoningGen int
	tools        map[string]*Message
	turn         int
}

type EngineOption func(*Engine)

func WithReasoningDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.reasoningDelay = d
		}
	}
}

// WithUpdateFunc registers a callback fired whenever a session's
// snapshot changes outside an Apply call (timer-driven reveals).
func WithUpdateFunc(fn func(sessionID string)) EngineOption {
	return func(e *Engine) { e.onUpdate = fn }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		sessions:       map[string]*sessionView{},
		reasoningDelay: DefaultReasoningDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Apply folds one event in. It reports false when the event was a
// duplicate; delivery is at-least-once, so equal-or-older sequence
// numbers drop here.
func (e *Engine) Apply(evt stream.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	sv := e.session(evt.SessionID)
	if evt.Sequence > 0 {
		if evt.Sequence <= sv.lastSeq {
			return false
		}
		sv.lastSeq = evt.Sequence
	}

	switch evt.Type {
	case stream.EventAssistantDelta:
		e.applyText(sv, evt)
	case stream.EventReasoningDelta:
		e.applyReasoning(sv, evt)
	case stream.EventToolCallStarted:
		e.applyToolStart(sv, evt)
	case stream.EventToolCallCompleted:
		e.applyToolDone(sv, evt)
	case stream.EventTurnEnd:
		e.finalizeTurn(sv, stream.GetBool(evt.Payload, "keep_streaming"))
	case stream.EventError:
		msg := e.newMessage(sv, evt.SessionID, "error")
		msg.Content = stream.GetString(evt.Payload, "message")
		msg.IsError = true
		msg.Visible = true
		e.finalizeTurn(sv, false)
	}
	return true
}

// Snapshot returns copies of the session's messages in render order,
// hidden ones included so callers can decide what to show.
func (e *Engine) Snapshot(sessionID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	sv, ok := e.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(sv.messages))
	for _, msg := range sv.messages {
		out = append(out, *msg)
	}
	return out
}

// Reset discards the session's state entirely. Hydration from history
// goes through a fresh view so synthetic ids never leak across
// reloads.
func (e *Engine) Reset(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// LastSequence reports the session's resume cursor.
func (e *Engine) LastSequence(sessionID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	sv, ok := e.sessions[sessionID]
	if !ok {
		return 0
	}
	return sv.lastSeq
}

func (e *Engine) session(sessionID string) *sessionView {
	sv, ok := e.sessions[sessionID]
	if !ok {
		sv = &sessionView{tools: map[string]*Message{}}
		e.sessions[sessionID] = sv
	}
	return sv
}

// newMessage mints a synthetic unit id. The ordinal keeps ids unique
// when a turn holds several units of one kind (parallel tool calls),
// and the turn counter keeps them from ever being reused across turns.
func (e *Engine) newMessage(sv *sessionView, sessionID, kind string) *Message {
	sv.ordinal++
	msg := &Message{
		ID:        fmt.Sprintf("%s-%d-%s-%d", sessionID, sv.turn, kind, sv.ordinal),
		SessionID: sessionID,
		Kind:      kind,
		Ordinal:   sv.ordinal,
	}
	sv.messages = append(sv.messages, msg)
	return msg
}

func (e *Engine) applyText(sv *sessionView, evt stream.Event) {
	if sv.text == nil {
		sv.text = e.newMessage(sv, evt.SessionID, "text")
		sv.text.Visible = true
	}
	sv.text.Content += stream.GetString(evt.Payload, "text")
	sv.text.Streaming = true
}

func (e *Engine) applyReasoning(sv *sessionView, evt stream.Event) {
	if sv.reasoning == nil {
		sv.reasoning = e.newMessage(sv, evt.SessionID, "reasoning")
		sv.reasoningGen++
		gen := sv.reasoningGen
		sessionID := evt.SessionID
		time.AfterFunc(e.reasoningDelay, func() {
			e.revealReasoning(sessionID, gen)
		})
	}
	sv.reasoning.Content += stream.GetString(evt.Payload, "text")
	sv.reasoning.Streaming = true
}

// revealReasoning is the single-shot visibility timer. The generation
// check makes a stale timer a no-op after the buffer it was armed for
// has finalized.
func (e *Engine) revealReasoning(sessionID string, gen int) {
	e.mu.Lock()
	sv, ok := e.sessions[sessionID]
	if !ok || sv.reasoning == nil || sv.reasoningGen != gen || sv.reasoning.Visible {
		e.mu.Unlock()
		return
	}
	sv.reasoning.Visible = true
	notify := e.onUpdate
	e.mu.Unlock()
	if notify != nil {
		notify(sessionID)
	}
}

func (e *Engine) applyToolStart(sv *sessionView, evt stream.Event) {
	callID := stream.GetString(evt.Payload, "call_id")
	name := stream.GetString(evt.Payload, "name")
	msg := e.newMessage(sv, evt.SessionID, "tool")
	msg.CallID = callID
	msg.Summary = ToolSummary(name, stream.GetMap(evt.Payload, "input"))
	msg.Streaming = true
	msg.Visible = true
	if callID != "" {
		sv.tools[callID] = msg
	}
}

func (e *Engine) applyToolDone(sv *sessionView, evt stream.Event) {
	callID := stream.GetString(evt.Payload, "call_id")
	msg, ok := sv.tools[callID]
	if !ok {
		// Completion without a matching start still renders: the start
		// may predate the replay window.
		msg = e.newMessage(sv, evt.SessionID, "tool")
		msg.CallID = callID
		name := stream.GetString(evt.Payload, "name")
		if name != "" {
			msg.Summary = ToolSummary(name, nil)
		}
		msg.Visible = true
		if callID != "" {
			sv.tools[callID] = msg
		}
	}
	msg.Output = stream.GetString(evt.Payload, "output")
	msg.IsError = stream.GetBool(evt.Payload, "is_error")
	msg.Streaming = false
}

// finalizeTurn closes every open buffer. Reasoning is scratch space,
// not retained history: a hidden buffer whose turn ends before the
// delay elapses is discarded without ever rendering, and a visible one
// is removed too unless the finalize asks to keep it streaming.
func (e *Engine) finalizeTurn(sv *sessionView, keepReasoning bool) {
	if sv.text != nil {
		sv.text.Streaming = false
		sv.text = nil
	}
	if sv.reasoning != nil {
		if keepReasoning && sv.reasoning.Visible {
			// Left as-is for a later finalize to collect.
		} else {
			e.dropMessage(sv, sv.reasoning)
			sv.reasoning = nil
			sv.reasoningGen++
		}
	}
	for id, tool := range sv.tools {
		tool.Streaming = false
		delete(sv.tools, id)
	}
	sv.turn++
}

func (e *Engine) dropMessage(sv *sessionView, target *Message) {
	for i, msg := range sv.messages {
		if msg == target {
			sv.messages = append(sv.messages[:i], sv.messages[i+1:]...)
			return
		}
	}
}
