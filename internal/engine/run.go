package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/flitsinc/agentdeck/internal/adapter"
	"github.com/flitsinc/agentdeck/internal/store"
	"github.com/flitsinc/agentdeck/internal/stream"
)

// run supervises one session's provider process across retry attempts.
type run struct {
	rt        *Runtime
	key       string
	requestID string
	session   store.Session
	adapter   adapter.Adapter
	req       adapter.RunRequest

	mu           sync.Mutex
	cmd          *exec.Cmd
	cancelled    bool
	cancelReason string

	assistant strings.Builder
	turnEnded bool
	streamErr string
}

func (r *run) loop(ctx context.Context) {
	quotaRetries := 0
	networkRetried := false

	for {
		stderr, err := r.attempt(ctx)
		if r.isCancelled() {
			r.finish(ctx, store.SessionCancelled)
			return
		}
		if r.turnEnded {
			r.finish(ctx, store.SessionCompleted)
			return
		}
		if err == nil {
			err = fmt.Errorf("provider exited before finishing the turn")
		}

		kind := adapter.Classify(err, stderr)
		if r.streamErr != "" && kind == adapter.FailureUnknown {
			kind = adapter.Classify(nil, r.streamErr)
		}
		switch {
		case kind == adapter.FailureResourceExhausted && quotaRetries < r.rt.retryQuotaMax:
			quotaRetries++
			log.Printf("engine: session %s hit %s, retry %d/%d after %s",
				r.session.ID, kind, quotaRetries, r.rt.retryQuotaMax, r.rt.retryQuotaDelay)
			r.rt.sleepFn(r.rt.retryQuotaDelay)
			continue
		case kind == adapter.FailureNetwork && !networkRetried:
			networkRetried = true
			log.Printf("engine: session %s hit %s, retrying once", r.session.ID, kind)
			continue
		}

		r.fail(ctx, kind, err)
		return
	}
}

// attempt runs the provider once and streams its output through the
// canonical pipeline. It returns captured stderr alongside the process
// error for classification.
func (r *run) attempt(ctx context.Context) (string, error) {
	r.streamErr = ""
	cmd, err := r.adapter.BuildCommand(ctx, r.req)
	if err != nil {
		return "", err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = limitWriter(&stderr, 64*1024)

	if err := cmd.Start(); err != nil {
		return stderr.String(), fmt.Errorf("start %s: %w", r.adapter.Provider(), err)
	}
	r.setCmd(cmd)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		parsed, err := r.adapter.ParseLine(line)
		if err != nil {
			log.Printf("engine: session %s: skip malformed line: %v", r.session.ID, err)
			continue
		}
		r.handle(ctx, parsed)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("engine: session %s: read stream: %v", r.session.ID, err)
	}

	waitErr := cmd.Wait()
	r.setCmd(nil)
	return stderr.String(), waitErr
}

func (r *run) handle(ctx context.Context, parsed adapter.ParsedLine) {
	// Persist the resume token the moment it appears. A disconnect one
	// event later must not cost the session its resumability.
	if parsed.ResumeToken != "" && parsed.ResumeToken != r.req.ResumeToken {
		if err := r.rt.store.SetResumeToken(ctx, r.session.ID, parsed.ResumeToken); err != nil {
			log.Printf("engine: session %s: persist resume token: %v", r.session.ID, err)
		} else {
			r.req.ResumeToken = parsed.ResumeToken
		}
	}

	for _, canon := range parsed.Events {
		evt, err := r.rt.store.AppendEvent(ctx, r.session.ID, canon.Type, canon.Payload)
		if err != nil {
			log.Printf("engine: session %s: append %s: %v", r.session.ID, canon.Type, err)
			continue
		}
		r.rt.guard.Observe(r.session.ID, evt.Type, false)
		// The message projection runs before the publish: a reader
		// woken by the event must already find its finalized unit in
		// the message table.
		r.project(ctx, evt)
		r.rt.hub.Publish(r.session.ProjectID, stream.EventEnvelope(evt))
	}
}

// project folds finalized units into the message table as they close,
// ahead of their events going out on the wire.
func (r *run) project(ctx context.Context, evt stream.Event) {
	switch evt.Type {
	case stream.EventAssistantDelta:
		r.assistant.WriteString(stream.GetString(evt.Payload, "text"))
	case stream.EventToolCallCompleted:
		name := stream.GetString(evt.Payload, "name")
		if name == "" {
			name = "tool"
		}
		if _, err := r.rt.store.CreateMessage(ctx, store.Message{
			ProjectID: r.session.ProjectID,
			SessionID: r.session.ID,
			Role:      "assistant",
			Kind:      "tool",
			Content:   name,
			Metadata:  evt.Payload,
		}); err != nil {
			log.Printf("engine: session %s: persist tool message: %v", r.session.ID, err)
		}
	case stream.EventTurnEnd:
		r.turnEnded = true
		r.finalizeAssistant(ctx)
	case stream.EventError:
		r.streamErr = stream.GetString(evt.Payload, "message")
	}
}

func (r *run) finalizeAssistant(ctx context.Context) {
	text := strings.TrimSpace(r.assistant.String())
	r.assistant.Reset()
	if text == "" {
		return
	}
	if _, err := r.rt.store.CreateMessage(ctx, store.Message{
		ProjectID: r.session.ProjectID,
		SessionID: r.session.ID,
		Role:      "assistant",
		Kind:      "chat",
		Content:   text,
	}); err != nil {
		log.Printf("engine: session %s: persist assistant message: %v", r.session.ID, err)
	}
}

func (r *run) fail(ctx context.Context, kind adapter.FailureKind, cause error) {
	payload := map[string]any{
		"kind":    string(kind),
		"message": cause.Error(),
	}
	evt, appendErr := r.rt.store.AppendEvent(ctx, r.session.ID, stream.EventError, payload)
	if appendErr != nil {
		log.Printf("engine: session %s: append error event: %v", r.session.ID, appendErr)
	}
	if _, err := r.rt.store.CreateMessage(ctx, store.Message{
		ProjectID: r.session.ProjectID,
		SessionID: r.session.ID,
		Role:      "system",
		Kind:      "error",
		Content:   friendlyFailure(kind),
		Metadata:  payload,
	}); err != nil {
		log.Printf("engine: session %s: persist failure message: %v", r.session.ID, err)
	}
	r.finalizeAssistant(ctx)
	if appendErr == nil {
		r.rt.guard.Observe(r.session.ID, evt.Type, false)
		r.rt.hub.Publish(r.session.ProjectID, stream.EventEnvelope(evt))
	}
	r.finish(ctx, store.SessionError)
}

func (r *run) finish(ctx context.Context, status store.SessionStatus) {
	if status == store.SessionCancelled {
		reason := r.reason()
		if reason == "" {
			reason = "Cancelled by user."
		}
		if _, err := r.rt.store.CreateMessage(ctx, store.Message{
			ProjectID: r.session.ProjectID,
			SessionID: r.session.ID,
			Role:      "system",
			Kind:      "cancel",
			Content:   reason,
		}); err != nil {
			log.Printf("engine: session %s: persist cancel message: %v", r.session.ID, err)
		}
	}
	if err := r.rt.store.SetStatus(ctx, r.session.ID, status); err != nil {
		log.Printf("engine: session %s: set status %s: %v", r.session.ID, status, err)
	}
	r.rt.hub.Publish(r.session.ProjectID, stream.StatusEnvelope(r.session.ID, string(status)))
	r.rt.guard.Forget(r.session.ID)
	r.rt.tracker.Remove(r.session.ProjectID, r.requestID)
	r.rt.mu.Lock()
	if current, ok := r.rt.running[r.key]; ok && current == r {
		delete(r.rt.running, r.key)
	}
	r.rt.mu.Unlock()
}

// terminate asks the process to exit and escalates to SIGKILL if it
// does not within the timeout.
func (r *run) terminate(timeout time.Duration, reason string) {
	r.mu.Lock()
	r.cancelled = true
	r.cancelReason = reason
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	proc := cmd.Process
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_ = proc.Kill()
		return
	}
	go func() {
		time.Sleep(timeout)
		r.mu.Lock()
		still := r.cmd == cmd
		r.mu.Unlock()
		if still {
			_ = proc.Kill()
		}
	}()
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *run) reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelReason
}

func (r *run) setCmd(cmd *exec.Cmd) {
	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()
}

func friendlyFailure(kind adapter.FailureKind) string {
	switch kind {
	case adapter.FailureResourceExhausted:
		return "The agent hit its usage limit and could not finish after retrying. Try again later."
	case adapter.FailureNetwork:
		return "The agent lost its network connection and could not recover. Check connectivity and retry."
	case adapter.FailureAuth:
		return "The agent's credentials were rejected. Re-authenticate the provider CLI and retry."
	default:
		return "The agent stopped unexpectedly. Check the session log for details."
	}
}

// limitWriter caps captured stderr so a chatty process cannot grow the
// buffer without bound.
type capWriter struct {
	w    io.Writer
	left int
}

func limitWriter(w io.Writer, max int) io.Writer {
	return &capWriter{w: w, left: max}
}

func (c *capWriter) Write(p []byte) (int, error) {
	n := len(p)
	if c.left <= 0 {
		return n, nil
	}
	if len(p) > c.left {
		p = p[:c.left]
	}
	c.left -= len(p)
	if _, err := c.w.Write(p); err != nil {
		return 0, err
	}
	return n, nil
}
