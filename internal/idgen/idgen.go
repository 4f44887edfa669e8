package idgen

import "github.com/google/uuid"

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Request returns an identifier for an in-flight user request.
// Request ids are ephemeral and only live in the active-request
// tracker, but keeping them time-ordered makes logs easier to follow.
func Request() string {
	return "req_" + New()
}
