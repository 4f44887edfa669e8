package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/flitsinc/agentdeck/internal/stream"
)

// ErrUnknownSession reports a resume attempt against a session the
// server no longer knows. Callers fall back to full history hydration
// instead of silently rendering an empty transcript.
var ErrUnknownSession = errors.New("session unknown to server")

// Resumer fetches the missed tail of a session's event log and feeds
// it through the reconstruction engine, tagged as replay.
type Resumer struct {
	baseURL     string
	http        *http.Client
	engine      *Engine
	maxAttempts int
	retryDelay  time.Duration
}

type ResumerOption func(*Resumer)

func WithResumeAttempts(n int) ResumerOption {
	return func(r *Resumer) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithResumeHTTPClient(h *http.Client) ResumerOption {
	return func(r *Resumer) {
		if h != nil {
			r.http = h
		}
	}
}

func WithResumeRetryDelay(d time.Duration) ResumerOption {
	return func(r *Resumer) {
		if d > 0 {
			r.retryDelay = d
		}
	}
}

func NewResumer(baseURL string, engine *Engine, opts ...ResumerOption) *Resumer {
	r := &Resumer{
		baseURL:     baseURL,
		http:        &http.Client{Timeout: 15 * time.Second},
		engine:      engine,
		maxAttempts: 3,
		retryDelay:  time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resume fetches events after the engine's cursor for the session and
// applies them. It returns how many events were applied after dedup.
// Transient fetch failures retry up to the attempt bound; an unknown
// session fails immediately with ErrUnknownSession.
func (r *Resumer) Resume(ctx context.Context, sessionID string) (int, error) {
	after := r.engine.LastSequence(sessionID)

	var events []stream.Event
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		var err error
		events, err = r.fetch(ctx, sessionID, after)
		if err == nil {
			lastErr = nil
			break
		}
		if errors.Is(err, ErrUnknownSession) || ctx.Err() != nil {
			return 0, err
		}
		lastErr = err
		if attempt < r.maxAttempts {
			sleepCtx(ctx, r.retryDelay)
		}
	}
	if lastErr != nil {
		return 0, fmt.Errorf("resume after %d attempts: %w", r.maxAttempts, lastErr)
	}

	applied := 0
	for _, evt := range events {
		evt.Replay = true
		if r.engine.Apply(evt) {
			applied++
		}
	}
	return applied, nil
}

func (r *Resumer) fetch(ctx context.Context, sessionID string, after int64) ([]stream.Event, error) {
	endpoint := r.baseURL + "/api/sessions/" + url.PathEscape(sessionID) + "/events?after=" +
		strconv.FormatInt(after, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build resume request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resume request: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnknownSession
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("resume responded %d", resp.StatusCode)
	}
	var events []stream.Event
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode resume response: %w", err)
	}
	return events, nil
}
