package stream

import "encoding/json"

// EnvelopeType discriminates push-channel frames. One serialized shape
// is used across both transport kinds (websocket and SSE).
type EnvelopeType string

const (
	EnvelopeMessage        EnvelopeType = "message"
	EnvelopeStatus         EnvelopeType = "status"
	EnvelopeError          EnvelopeType = "error"
	EnvelopeConnected      EnvelopeType = "connected"
	EnvelopePreviewError   EnvelopeType = "preview_error"
	EnvelopePreviewSuccess EnvelopeType = "preview_success"
	EnvelopeHeartbeat      EnvelopeType = "heartbeat"
)

// Envelope is the wire frame delivered to every subscribed connection.
type Envelope struct {
	Type  EnvelopeType `json:"type"`
	Data  any          `json:"data,omitempty"`
	Error string       `json:"error,omitempty"`
}

// EventEnvelope wraps a canonical event for push delivery.
func EventEnvelope(evt Event) Envelope {
	return Envelope{Type: EnvelopeMessage, Data: evt}
}

// StatusEnvelope reports a session status change.
func StatusEnvelope(sessionID, status string) Envelope {
	return Envelope{Type: EnvelopeStatus, Data: map[string]any{
		"session_id": sessionID,
		"status":     status,
	}}
}

// ErrorEnvelope carries a client-visible failure.
func ErrorEnvelope(msg string) Envelope {
	return Envelope{Type: EnvelopeError, Error: msg}
}

// Marshal serializes the envelope once for fan-out.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodeEvent re-parses an envelope's data as a canonical event.
// Envelopes cross the wire as JSON, so Data arrives as a generic map.
func DecodeEvent(data any) (Event, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, false
	}
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, false
	}
	if !evt.Type.Valid() {
		return Event{}, false
	}
	return evt, true
}
