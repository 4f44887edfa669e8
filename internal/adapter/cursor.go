package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/flitsinc/agentdeck/internal/stream"
)

// Cursor drives the `cursor-agent` CLI in print mode with stream-json
// output. Unlike claude, cursor streams assistant text as incremental
// fragments rather than whole blocks, so every text shape maps to a
// delta directly.
type Cursor struct {
	Binary string
}

func NewCursor() *Cursor {
	return &Cursor{Binary: "cursor-agent"}
}

func (a *Cursor) Provider() string { return "cursor" }

func (a *Cursor) BuildCommand(ctx context.Context, req RunRequest) (*exec.Cmd, error) {
	if req.Instruction == "" {
		return nil, fmt.Errorf("instruction is required")
	}
	args := []string{
		"-p", req.Instruction,
		"--output-format", "stream-json",
		"--force",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	cmd := exec.CommandContext(ctx, a.Binary, args...)
	cmd.Dir = req.WorkDir
	return cmd, nil
}

type cursorLine struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	SessionID string         `json:"session_id"`
	ChatID    string         `json:"chat_id"`
	Model     string         `json:"model"`
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args"`
	Result    any            `json:"result"`
	IsError   bool           `json:"is_error"`
	Duration  int64          `json:"duration_ms"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (a *Cursor) ParseLine(line []byte) (ParsedLine, error) {
	var msg cursorLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return ParsedLine{}, fmt.Errorf("decode cursor line: %w", err)
	}

	token := msg.SessionID
	if token == "" {
		token = msg.ChatID
	}
	out := ParsedLine{ResumeToken: token}
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			out.Events = append(out.Events, Canon{
				Type: stream.EventSessionInit,
				Payload: map[string]any{
					"provider": a.Provider(),
					"model":    msg.Model,
				},
			})
		}
	case "assistant":
		for _, block := range msg.Message.Content {
			if block.Type == "text" && block.Text != "" {
				out.Events = append(out.Events, Canon{
					Type:    stream.EventAssistantDelta,
					Payload: map[string]any{"text": block.Text},
				})
			}
		}
	case "thinking", "reasoning":
		for _, block := range msg.Message.Content {
			if block.Text != "" {
				out.Events = append(out.Events, Canon{
					Type:    stream.EventReasoningDelta,
					Payload: map[string]any{"text": block.Text},
				})
			}
		}
	case "tool_call":
		switch msg.Subtype {
		case "started":
			out.Events = append(out.Events, Canon{
				Type: stream.EventToolCallStarted,
				Payload: map[string]any{
					"call_id": msg.CallID,
					"name":    NormalizeToolName(msg.Name),
					"input":   msg.Args,
				},
			})
		case "completed":
			out.Events = append(out.Events, Canon{
				Type: stream.EventToolCallCompleted,
				Payload: map[string]any{
					"call_id":  msg.CallID,
					"name":     NormalizeToolName(msg.Name),
					"output":   stringifyResult(msg.Result),
					"is_error": msg.IsError,
				},
			})
		}
	case "result":
		status := "completed"
		if msg.IsError {
			status = "error"
		}
		out.Events = append(out.Events, Canon{
			Type: stream.EventTurnEnd,
			Payload: map[string]any{
				"status":      status,
				"duration_ms": msg.Duration,
			},
		})
	}
	return out, nil
}

func stringifyResult(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	default:
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprintf("%v", r)
		}
		return string(data)
	}
}
