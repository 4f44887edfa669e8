package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flitsinc/agentdeck/internal/client"
	"github.com/flitsinc/agentdeck/internal/stream"
)

func eventsHandler(t *testing.T, events []stream.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cursor, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		out := []stream.Event{}
		for _, evt := range events {
			if evt.Sequence > cursor {
				out = append(out, evt)
			}
		}
		if err := json.NewEncoder(w).Encode(out); err != nil {
			t.Errorf("encode events: %v", err)
		}
	}
}

func TestResumeAppliesMissedTail(t *testing.T) {
	events := []stream.Event{
		evt("s1", 42, stream.EventAssistantDelta, map[string]any{"text": "already seen"}),
		evt("s1", 43, stream.EventAssistantDelta, map[string]any{"text": "missed "}),
		evt("s1", 44, stream.EventAssistantDelta, map[string]any{"text": "tail"}),
		evt("s1", 45, stream.EventTurnEnd, nil),
	}
	srv := httptest.NewServer(eventsHandler(t, events))
	defer srv.Close()

	engine := client.NewEngine()
	engine.Apply(events[0])

	r := client.NewResumer(srv.URL, engine)
	applied, err := r.Resume(context.Background(), "s1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if applied != 3 {
		t.Fatalf("expected 3 applied events, got %d", applied)
	}
	if engine.LastSequence("s1") != 45 {
		t.Fatalf("cursor not advanced, at %d", engine.LastSequence("s1"))
	}

	texts := visibleOfKind(engine.Snapshot("s1"), "text")
	if len(texts) != 1 || texts[0].Content != "already seenmissed tail" {
		t.Fatalf("unexpected reconstructed state %+v", texts)
	}
}

func TestResumeUnknownSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := client.NewResumer(srv.URL, client.NewEngine())
	if _, err := r.Resume(context.Background(), "gone"); !errors.Is(err, client.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestResumeRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode([]stream.Event{
			evt("s1", 1, stream.EventAssistantDelta, map[string]any{"text": "ok"}),
		})
	}))
	defer srv.Close()

	engine := client.NewEngine()
	r := client.NewResumer(srv.URL, engine,
		client.WithResumeAttempts(3),
		client.WithResumeRetryDelay(time.Millisecond))
	applied, err := r.Resume(context.Background(), "s1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied event, got %d", applied)
	}
}

func TestResumeAttemptsAreBounded(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := client.NewResumer(srv.URL, client.NewEngine(),
		client.WithResumeAttempts(2),
		client.WithResumeRetryDelay(time.Millisecond))
	if _, err := r.Resume(context.Background(), "s1"); err == nil {
		t.Fatalf("expected bounded resume to fail")
	}
	if hits.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", hits.Load())
	}
}
