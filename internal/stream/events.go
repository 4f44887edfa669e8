package stream

import "time"

// EventType is the closed set of canonical event kinds every provider
// adapter normalizes into. Downstream components (store, hub, client)
// only ever see these.
type EventType string

const (
	EventSessionInit       EventType = "session_init"
	EventAssistantDelta    EventType = "assistant_delta"
	EventReasoningDelta    EventType = "reasoning_delta"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventTurnEnd           EventType = "turn_end"
	EventError             EventType = "error"
)

// Valid reports whether t is one of the canonical event types.
func (t EventType) Valid() bool {
	switch t {
	case EventSessionInit, EventAssistantDelta, EventReasoningDelta,
		EventToolCallStarted, EventToolCallCompleted, EventTurnEnd, EventError:
		return true
	}
	return false
}

// Terminal reports whether t ends a session's current turn or run.
func (t EventType) Terminal() bool {
	return t == EventTurnEnd || t == EventError
}

// Event is the persisted canonical envelope. Sequence is assigned by
// the store, never by adapters or clients. Replay is wire-only: it
// tags events re-delivered through the resume path and is never
// stored.
type Event struct {
	ProjectID string         `json:"project_id"`
	SessionID string         `json:"session_id"`
	Sequence  int64          `json:"sequence"`
	Type      EventType      `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Replay    bool           `json:"replay,omitempty"`
}

// GetString returns payload[key] if it is a string.
func GetString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// GetMap returns payload[key] if it is an object.
func GetMap(payload map[string]any, key string) map[string]any {
	if payload == nil {
		return nil
	}
	if v, ok := payload[key].(map[string]any); ok {
		return v
	}
	return nil
}

// GetBool returns payload[key] if it is a bool.
func GetBool(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	if v, ok := payload[key].(bool); ok {
		return v
	}
	return false
}
