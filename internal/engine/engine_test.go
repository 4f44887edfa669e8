package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/agentdeck/internal/adapter"
	"github.com/flitsinc/agentdeck/internal/engine"
	"github.com/flitsinc/agentdeck/internal/guard"
	"github.com/flitsinc/agentdeck/internal/hub"
	"github.com/flitsinc/agentdeck/internal/store"
	"github.com/flitsinc/agentdeck/internal/stream"
	"github.com/flitsinc/agentdeck/internal/testutil"
)

// scriptAdapter shells out to /bin/sh so tests can script provider
// behavior line by line. It records the last RunRequest it received.
type scriptAdapter struct {
	script string

	mu      sync.Mutex
	lastReq adapter.RunRequest
}

func (a *scriptAdapter) Provider() string { return "claude" }

func (a *scriptAdapter) BuildCommand(ctx context.Context, req adapter.RunRequest) (*exec.Cmd, error) {
	a.mu.Lock()
	a.lastReq = req
	a.mu.Unlock()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", a.script)
	cmd.Dir = req.WorkDir
	return cmd, nil
}

func (a *scriptAdapter) last() adapter.RunRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReq
}

func (a *scriptAdapter) ParseLine(line []byte) (adapter.ParsedLine, error) {
	var msg struct {
		Event string `json:"event"`
		Text  string `json:"text"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return adapter.ParsedLine{}, err
	}
	out := adapter.ParsedLine{ResumeToken: msg.Token}
	if msg.Event != "" {
		payload := map[string]any{}
		if msg.Text != "" {
			payload["text"] = msg.Text
		}
		out.Events = append(out.Events, adapter.Canon{
			Type:    stream.EventType(msg.Event),
			Payload: payload,
		})
	}
	return out, nil
}

type recordConn struct {
	mu   sync.Mutex
	data [][]byte
}

func (c *recordConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.data = append(c.data, buf)
	return nil
}

func (c *recordConn) Ping(ctx context.Context) error { return nil }
func (c *recordConn) Close() error                   { return nil }

func (c *recordConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.data))
	copy(out, c.data)
	return out
}

// orderingConn checks, at delivery time, that the finalized message a
// published event implies has already reached the store.
type orderingConn struct {
	st *store.Store

	mu     sync.Mutex
	faults []string
}

func (c *orderingConn) Send(ctx context.Context, data []byte) error {
	var env stream.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != stream.EnvelopeMessage {
		return nil
	}
	evt, ok := stream.DecodeEvent(env.Data)
	if !ok {
		return nil
	}
	msgs, err := c.st.ListMessages(ctx, evt.ProjectID, 50)
	if err != nil {
		return nil
	}
	switch evt.Type {
	case stream.EventToolCallCompleted:
		if !hasMessage(msgs, "assistant", "tool") {
			c.record("tool message not persisted before tool_call_completed published")
		}
	case stream.EventTurnEnd:
		if !hasMessage(msgs, "assistant", "chat") {
			c.record("assistant message not persisted before turn_end published")
		}
	}
	return nil
}

func (c *orderingConn) Ping(ctx context.Context) error { return nil }
func (c *orderingConn) Close() error                   { return nil }

func (c *orderingConn) record(fault string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, fault)
}

func (c *orderingConn) violations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.faults))
	copy(out, c.faults)
	return out
}

func hasMessage(msgs []store.Message, role, kind string) bool {
	for _, msg := range msgs {
		if msg.Role == role && msg.Kind == kind {
			return true
		}
	}
	return false
}

type fixture struct {
	store   *store.Store
	hub     *hub.Hub
	rt      *engine.Runtime
	root    string
	adapter *scriptAdapter
}

func newFixture(t *testing.T, script string, opts ...engine.Option) *fixture {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	st := store.New(db)
	h := hub.New()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "proj-1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	sa := &scriptAdapter{script: script}
	reg := adapter.NewRegistry(sa)
	opts = append([]engine.Option{engine.WithSleep(func(time.Duration) {})}, opts...)
	rt := engine.New(st, h, reg, root, opts...)
	return &fixture{store: st, hub: h, rt: rt, root: root, adapter: sa}
}

func (f *fixture) waitStatus(t *testing.T, sessionID string, want store.SessionStatus) store.Session {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		sess, err := f.store.GetSession(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status == want {
			return sess
		}
		if sess.Status.Terminal() {
			t.Fatalf("session reached %s, want %s", sess.Status, want)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for status %s, still %s", want, sess.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (f *fixture) waitEvents(t *testing.T, sessionID string, min int) []stream.Event {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		events, err := f.store.EventsAfter(context.Background(), sessionID, 0)
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		if len(events) >= min {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d events, have %d", min, len(events))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitStreamsPersistsAndPublishes(t *testing.T) {
	script := `echo '{"event":"session_init","token":"tok-1"}'
echo '{"event":"assistant_delta","text":"hello "}'
echo '{"event":"assistant_delta","text":"world"}'
echo '{"event":"turn_end"}'`
	f := newFixture(t, script)
	conn := &recordConn{}
	f.hub.Register("proj-1", conn)

	sess, err := f.rt.Submit(context.Background(), engine.SubmitRequest{
		ProjectID:   "proj-1",
		Provider:    "claude",
		Instruction: "say hello",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := f.waitStatus(t, sess.ID, store.SessionCompleted)
	if done.ResumeToken != "tok-1" {
		t.Fatalf("expected resume token persisted, got %q", done.ResumeToken)
	}

	events := f.waitEvents(t, sess.ID, 4)
	for i, evt := range events {
		if evt.Sequence != int64(i+1) {
			t.Fatalf("gap at index %d: sequence %d", i, evt.Sequence)
		}
	}
	if events[0].Type != stream.EventSessionInit || events[3].Type != stream.EventTurnEnd {
		t.Fatalf("unexpected event order: %s .. %s", events[0].Type, events[3].Type)
	}

	msgs, err := f.store.ListMessages(context.Background(), "proj-1", 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	var assistant string
	for _, msg := range msgs {
		if msg.Role == "assistant" && msg.Kind == "chat" {
			assistant = msg.Content
		}
	}
	if assistant != "hello world" {
		t.Fatalf("expected finalized assistant message, got %q", assistant)
	}

	frames := conn.frames()
	if len(frames) < 5 {
		t.Fatalf("expected event frames plus status frame, got %d", len(frames))
	}
	var last stream.Envelope
	if err := json.Unmarshal(frames[len(frames)-1], &last); err != nil {
		t.Fatalf("decode last frame: %v", err)
	}
	if last.Type != stream.EnvelopeStatus {
		t.Fatalf("expected trailing status envelope, got %s", last.Type)
	}
}

func TestRetryOnQuotaExhaustionThenSucceed(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "attempted")
	script := fmt.Sprintf(`if [ -f %q ]; then
echo '{"event":"session_init","token":"tok-2"}'
echo '{"event":"turn_end"}'
else
touch %q
echo "429 rate limit exceeded" >&2
exit 1
fi`, marker, marker)
	f := newFixture(t, script, engine.WithRetryPolicy(2, time.Millisecond))

	sess, err := f.rt.Submit(context.Background(), engine.SubmitRequest{
		ProjectID:   "proj-1",
		Provider:    "claude",
		Instruction: "retry me",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.waitStatus(t, sess.ID, store.SessionCompleted)
}

func TestMessagesPersistBeforeEventsPublish(t *testing.T) {
	script := `echo '{"event":"assistant_delta","text":"done "}'
echo '{"event":"tool_call_completed"}'
echo '{"event":"turn_end"}'`
	f := newFixture(t, script)
	conn := &orderingConn{st: f.store}
	f.hub.Register("proj-1", conn)

	sess, err := f.rt.Submit(context.Background(), engine.SubmitRequest{
		ProjectID:   "proj-1",
		Provider:    "claude",
		Instruction: "finish up",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.waitStatus(t, sess.ID, store.SessionCompleted)

	if faults := conn.violations(); len(faults) > 0 {
		t.Fatalf("events published ahead of their messages: %v", faults)
	}
}

func TestQuotaExhaustionPastRetryCapIsFatal(t *testing.T) {
	script := `echo "429 rate limit exceeded" >&2
exit 1`
	f := newFixture(t, script, engine.WithRetryPolicy(2, time.Millisecond))

	sess, err := f.rt.Submit(context.Background(), engine.SubmitRequest{
		ProjectID:   "proj-1",
		Provider:    "claude",
		Instruction: "always throttled",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.waitStatus(t, sess.ID, store.SessionError)

	events := f.waitEvents(t, sess.ID, 1)
	last := events[len(events)-1]
	if last.Type != stream.EventError {
		t.Fatalf("expected trailing error event, got %s", last.Type)
	}
	if stream.GetString(last.Payload, "kind") != string(adapter.FailureResourceExhausted) {
		t.Fatalf("expected resource_exhausted kind, got %+v", last.Payload)
	}

	msgs, err := f.store.ListMessages(context.Background(), "proj-1", 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	found := false
	for _, msg := range msgs {
		if msg.Role == "system" && msg.Kind == "error" && strings.Contains(msg.Content, "usage limit") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected usage-limit system message after exhausting retries")
	}
}

func TestAttachmentsSavedAndReferenced(t *testing.T) {
	script := `echo '{"event":"turn_end"}'`
	f := newFixture(t, script)

	sess, err := f.rt.Submit(context.Background(), engine.SubmitRequest{
		ProjectID:   "proj-1",
		Provider:    "claude",
		Instruction: "describe the screenshot",
		Attachments: []engine.Attachment{
			{Name: "shot.png", Mime: "image/png", Data: []byte("png-bytes")},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.waitStatus(t, sess.ID, store.SessionCompleted)

	got := f.adapter.last()
	if !strings.Contains(got.Instruction, "[Image #1: ") {
		t.Fatalf("instruction missing attachment reference: %q", got.Instruction)
	}
	matches, err := filepath.Glob(filepath.Join(f.root, "proj-1", ".attachments", "*.png"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one saved .png attachment, got %v (%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("attachment content mismatch: %q (%v)", data, err)
	}
}

func TestAuthFailureIsFatal(t *testing.T) {
	script := `echo "invalid api key" >&2
exit 1`
	f := newFixture(t, script)

	sess, err := f.rt.Submit(context.Background(), engine.SubmitRequest{
		ProjectID:   "proj-1",
		Provider:    "claude",
		Instruction: "doomed",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.waitStatus(t, sess.ID, store.SessionError)

	events := f.waitEvents(t, sess.ID, 1)
	last := events[len(events)-1]
	if last.Type != stream.EventError {
		t.Fatalf("expected trailing error event, got %s", last.Type)
	}
	if stream.GetString(last.Payload, "kind") != string(adapter.FailureAuth) {
		t.Fatalf("expected auth failure kind, got %+v", last.Payload)
	}

	msgs, err := f.store.ListMessages(context.Background(), "proj-1", 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	found := false
	for _, msg := range msgs {
		if msg.Role == "system" && msg.Kind == "error" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected system error message in transcript")
	}
}

func TestCancelRefusedWhileGuardLocked(t *testing.T) {
	script := `sleep 1`
	f := newFixture(t, script)

	sess, err := f.rt.Submit(context.Background(), engine.SubmitRequest{
		ProjectID:   "proj-1",
		Provider:    "claude",
		Instruction: "quiet run",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	err = f.rt.Cancel(context.Background(), sess.ID, "")
	var locked *guard.ErrLocked
	if !errors.As(err, &locked) {
		t.Fatalf("expected ErrLocked before any live event, got %v", err)
	}
}

func TestCancelTerminatesRunningProcess(t *testing.T) {
	script := `echo '{"event":"assistant_delta","text":"working"}'
sleep 30`
	f := newFixture(t, script, engine.WithCancelTimeout(200*time.Millisecond))

	sess, err := f.rt.Submit(context.Background(), engine.SubmitRequest{
		ProjectID:   "proj-1",
		Provider:    "claude",
		Instruction: "long run",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.waitEvents(t, sess.ID, 1)

	if err := f.rt.Cancel(context.Background(), sess.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.waitStatus(t, sess.ID, store.SessionCancelled)
}

func TestCancelRecordsReason(t *testing.T) {
	script := `echo '{"event":"assistant_delta","text":"working"}'
sleep 30`
	f := newFixture(t, script, engine.WithCancelTimeout(200*time.Millisecond))

	sess, err := f.rt.Submit(context.Background(), engine.SubmitRequest{
		ProjectID:   "proj-1",
		Provider:    "claude",
		Instruction: "long run",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.waitEvents(t, sess.ID, 1)

	if err := f.rt.Cancel(context.Background(), sess.ID, "switching approach"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.waitStatus(t, sess.ID, store.SessionCancelled)

	msgs, err := f.store.ListMessages(context.Background(), "proj-1", 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	found := false
	for _, msg := range msgs {
		if msg.Role == "system" && msg.Kind == "cancel" && msg.Content == "switching approach" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cancel reason in transcript, got %+v", msgs)
	}
}

func TestSubmitRejectsConcurrentRunPerRoom(t *testing.T) {
	script := `echo '{"event":"assistant_delta","text":"busy"}'
sleep 2`
	f := newFixture(t, script)
	ctx := context.Background()

	room, err := f.store.CreateRoom(ctx, "proj-1", "main")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	sess, err := f.rt.Submit(ctx, engine.SubmitRequest{
		ProjectID:   "proj-1",
		RoomID:      room.ID,
		Provider:    "claude",
		Instruction: "first",
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	f.waitEvents(t, sess.ID, 1)

	_, err = f.rt.Submit(ctx, engine.SubmitRequest{
		ProjectID:   "proj-1",
		RoomID:      room.ID,
		Provider:    "claude",
		Instruction: "second",
	})
	if !errors.Is(err, engine.ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}

	if err := f.rt.Cancel(ctx, sess.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.waitStatus(t, sess.ID, store.SessionCancelled)
}

func TestSubmitRejectsWorkDirOutsideRoot(t *testing.T) {
	f := newFixture(t, "true")
	_, err := f.rt.Submit(context.Background(), engine.SubmitRequest{
		ProjectID:   "proj-1",
		Provider:    "claude",
		Instruction: "escape",
		WorkDir:     string(filepath.Separator) + "tmp",
	})
	if !errors.Is(err, adapter.ErrWorkdirOutsideRoot) {
		t.Fatalf("expected ErrWorkdirOutsideRoot, got %v", err)
	}
}

func TestResumeTokenFlowsToNextRoomSession(t *testing.T) {
	script := `echo '{"event":"session_init","token":"tok-room"}'
echo '{"event":"turn_end"}'`
	f := newFixture(t, script)
	ctx := context.Background()

	room, err := f.store.CreateRoom(ctx, "proj-1", "main")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	first, err := f.rt.Submit(ctx, engine.SubmitRequest{
		ProjectID:   "proj-1",
		RoomID:      room.ID,
		Provider:    "claude",
		Instruction: "first",
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	f.waitStatus(t, first.ID, store.SessionCompleted)

	resumable, err := f.store.LatestResumable(ctx, room.ID)
	if err != nil {
		t.Fatalf("latest resumable: %v", err)
	}
	if resumable.ResumeToken != "tok-room" {
		t.Fatalf("expected room to carry resume token, got %q", resumable.ResumeToken)
	}
	if resumable.ID != first.ID {
		t.Fatalf("expected latest resumable to be the finished session")
	}
}
