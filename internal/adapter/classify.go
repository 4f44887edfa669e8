package adapter

import "strings"

// FailureKind buckets a provider process failure for the retry policy.
type FailureKind string

const (
	// FailureResourceExhausted covers quota and rate-limit rejections.
	// Retryable a bounded number of times with a fixed delay.
	FailureResourceExhausted FailureKind = "resource_exhausted"
	// FailureNetwork covers transient connectivity faults. Retryable
	// once.
	FailureNetwork FailureKind = "network"
	// FailureAuth covers credential problems. Never retried.
	FailureAuth FailureKind = "auth"
	// FailureUnknown is everything else. Never retried.
	FailureUnknown FailureKind = "unknown"
)

func (k FailureKind) Retryable() bool {
	return k == FailureResourceExhausted || k == FailureNetwork
}

// Classify buckets a failed run from the process error and captured
// stderr. Matching is substring-based against the phrases the provider
// CLIs actually emit; anything unrecognized stays unknown so the
// policy fails fast instead of retrying blind.
func Classify(err error, stderr string) FailureKind {
	text := strings.ToLower(stderr)
	if err != nil {
		text += "\n" + strings.ToLower(err.Error())
	}
	switch {
	case containsAny(text,
		"rate limit", "rate_limit", "429", "quota", "resource exhausted",
		"resource_exhausted", "overloaded", "usage limit", "too many requests"):
		return FailureResourceExhausted
	case containsAny(text,
		"unauthorized", "401", "403", "invalid api key", "api key",
		"authentication", "not logged in", "login required", "credit balance"):
		return FailureAuth
	case containsAny(text,
		"connection refused", "connection reset", "timeout", "timed out",
		"dns", "no such host", "network", "econnrefused", "eof",
		"broken pipe", "tls handshake"):
		return FailureNetwork
	default:
		return FailureUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
