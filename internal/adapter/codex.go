package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/flitsinc/agentdeck/internal/stream"
)

// Codex drives `codex exec --json`, which emits thread/turn/item
// events rather than message blocks. Items arrive as started/updated/
// completed triples keyed by item id.
type Codex struct {
	Binary string
}

func NewCodex() *Codex {
	return &Codex{Binary: "codex"}
}

func (a *Codex) Provider() string { return "codex" }

func (a *Codex) BuildCommand(ctx context.Context, req RunRequest) (*exec.Cmd, error) {
	if req.Instruction == "" {
		return nil, fmt.Errorf("instruction is required")
	}
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeToken != "" {
		args = append(args, "resume", req.ResumeToken)
	}
	args = append(args, req.Instruction)
	cmd := exec.CommandContext(ctx, a.Binary, args...)
	cmd.Dir = req.WorkDir
	return cmd, nil
}

type codexLine struct {
	Type     string    `json:"type"`
	ThreadID string    `json:"thread_id"`
	Item     codexItem `json:"item"`
	Error    struct {
		Message string `json:"message"`
	} `json:"error"`
	Usage map[string]any `json:"usage"`
}

type codexItem struct {
	ID          string `json:"id"`
	Type        string `json:"item_type"`
	Text        string `json:"text"`
	Command     string `json:"command"`
	AggOutput   string `json:"aggregated_output"`
	ExitCode    *int   `json:"exit_code"`
	Status      string `json:"status"`
	Path        string `json:"path"`
	PatchOutput string `json:"patch"`
}

func (a *Codex) ParseLine(line []byte) (ParsedLine, error) {
	var msg codexLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return ParsedLine{}, fmt.Errorf("decode codex line: %w", err)
	}

	out := ParsedLine{ResumeToken: msg.ThreadID}
	switch msg.Type {
	case "thread.started":
		out.Events = append(out.Events, Canon{
			Type:    stream.EventSessionInit,
			Payload: map[string]any{"provider": a.Provider()},
		})
	case "item.started":
		if canon, ok := a.itemStarted(msg.Item); ok {
			out.Events = append(out.Events, canon)
		}
	case "item.completed":
		out.Events = append(out.Events, a.itemCompleted(msg.Item)...)
	case "turn.completed":
		out.Events = append(out.Events, Canon{
			Type: stream.EventTurnEnd,
			Payload: map[string]any{
				"status": "completed",
				"usage":  msg.Usage,
			},
		})
	case "turn.failed", "error":
		message := msg.Error.Message
		if message == "" {
			message = "codex run failed"
		}
		out.Events = append(out.Events, Canon{
			Type:    stream.EventError,
			Payload: map[string]any{"message": message},
		})
	}
	return out, nil
}

func (a *Codex) itemStarted(item codexItem) (Canon, bool) {
	switch item.Type {
	case "command_execution":
		return Canon{
			Type: stream.EventToolCallStarted,
			Payload: map[string]any{
				"call_id": item.ID,
				"name":    NormalizeToolName(item.Type),
				"input":   map[string]any{"command": item.Command},
			},
		}, true
	case "file_change", "patch":
		return Canon{
			Type: stream.EventToolCallStarted,
			Payload: map[string]any{
				"call_id": item.ID,
				"name":    "Edit",
				"input":   map[string]any{"path": item.Path},
			},
		}, true
	}
	return Canon{}, false
}

func (a *Codex) itemCompleted(item codexItem) []Canon {
	switch item.Type {
	case "agent_message":
		if item.Text == "" {
			return nil
		}
		return []Canon{{
			Type:    stream.EventAssistantDelta,
			Payload: map[string]any{"text": item.Text, "message_id": item.ID},
		}}
	case "reasoning":
		if item.Text == "" {
			return nil
		}
		return []Canon{{
			Type:    stream.EventReasoningDelta,
			Payload: map[string]any{"text": item.Text},
		}}
	case "command_execution":
		isErr := item.ExitCode != nil && *item.ExitCode != 0
		return []Canon{{
			Type: stream.EventToolCallCompleted,
			Payload: map[string]any{
				"call_id":  item.ID,
				"name":     NormalizeToolName(item.Type),
				"output":   item.AggOutput,
				"is_error": isErr,
			},
		}}
	case "file_change", "patch":
		return []Canon{{
			Type: stream.EventToolCallCompleted,
			Payload: map[string]any{
				"call_id":  item.ID,
				"name":     "Edit",
				"output":   item.PatchOutput,
				"is_error": item.Status == "failed",
			},
		}}
	}
	return nil
}
