package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/flitsinc/agentdeck/internal/stream"
)

// claudeModels maps short model aliases to the pinned identifiers the
// CLI accepts. Unknown names pass through unchanged so newly released
// models work without a code change.
var claudeModels = map[string]string{
	"sonnet":          "claude-sonnet-4-20250514",
	"claude-sonnet-4": "claude-sonnet-4-20250514",
	"opus":            "claude-opus-4-20250514",
	"claude-opus-4":   "claude-opus-4-20250514",
	"haiku":           "claude-3-5-haiku-20241022",
}

// Claude drives the `claude` CLI in non-interactive stream-json mode.
type Claude struct {
	Binary string
}

func NewClaude() *Claude {
	return &Claude{Binary: "claude"}
}

func (a *Claude) Provider() string { return "claude" }

func (a *Claude) BuildCommand(ctx context.Context, req RunRequest) (*exec.Cmd, error) {
	if req.Instruction == "" {
		return nil, fmt.Errorf("instruction is required")
	}
	args := []string{
		"-p", req.Instruction,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.Model != "" {
		model := req.Model
		if mapped, ok := claudeModels[model]; ok {
			model = mapped
		}
		args = append(args, "--model", model)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	cmd := exec.CommandContext(ctx, a.Binary, args...)
	cmd.Dir = req.WorkDir
	return cmd, nil
}

type claudeLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	Duration  int64  `json:"duration_ms"`
	Model     string `json:"model"`
	Message   struct {
		ID      string         `json:"id"`
		Content []claudeBlock  `json:"content"`
		Usage   map[string]any `json:"usage"`
		Model   string         `json:"model"`
	} `json:"message"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ParseLine normalizes one stream-json line. Every shape that carries
// session_id refreshes the resume token; the CLI can reissue it
// mid-stream after compaction.
func (a *Claude) ParseLine(line []byte) (ParsedLine, error) {
	var msg claudeLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return ParsedLine{}, fmt.Errorf("decode claude line: %w", err)
	}

	out := ParsedLine{ResumeToken: msg.SessionID}
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
			switch block.Type {
			case "text":
				if block.Text != "" {
					out.Events = append(out.Events, Canon{
						Type: stream.EventAssistantDelta,
						Payload: map[string]any{
							"text":       block.Text,
							"message_id": msg.Message.ID,
						},
					})
				}
			case "thinking":
				if block.Thinking != "" {
					out.Events = append(out.Events, Canon{
						Type:    stream.EventReasoningDelta,
						Payload: map[string]any{"text": block.Thinking},
					})
				}
			case "tool_use":
				out.Events = append(out.Events, Canon{
					Type: stream.EventToolCallStarted,
					Payload: map[string]any{
						"call_id": block.ID,
						"name":    block.Name,
						"input":   block.Input,
					},
				})
			}
		}
	case "user":
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			out.Events = append(out.Events, Canon{
				Type: stream.EventToolCallCompleted,
				Payload: map[string]any{
					"call_id":  block.ToolUseID,
					"output":   flattenToolResult(block.Content),
					"is_error": block.IsError,
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

// flattenToolResult extracts readable text from a tool_result content
// field, which the CLI emits either as a plain string or as a list of
// text blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}
