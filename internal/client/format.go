package client

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flitsinc/agentdeck/internal/stream"
)

// workspacePrefixes are sandbox mount points the provider sees but the
// viewer should not. Longest prefix wins.
var workspacePrefixes = []string{
	"/home/daytona/template/",
	"/home/daytona/",
	"/workspace/",
	"/app/",
}

// StripWorkspacePrefix rewrites an absolute sandbox path to the
// project-relative form viewers expect. Paths outside every known
// mount pass through unchanged.
func StripWorkspacePrefix(path string) string {
	for _, prefix := range workspacePrefixes {
		if strings.HasPrefix(path, prefix) {
			rest := strings.TrimPrefix(path, prefix)
			if rest != "" {
				return rest
			}
		}
	}
	return path
}

// ToolSummary renders a one-line markdown summary of a tool call, in
// the form "**Edit** `src/app/page.tsx`". Already-bracketed summaries
// coming out of a provider pass through untouched.
func ToolSummary(name string, input map[string]any) string {
	if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
		return name
	}
	detail := toolDetail(name, input)
	if detail == "" {
		return fmt.Sprintf("**%s**", name)
	}
	return fmt.Sprintf("**%s** `%s`", name, detail)
}

func toolDetail(name string, input map[string]any) string {
	if path := firstString(input, "file_path", "path", "filename", "notebook_path"); path != "" {
		return StripWorkspacePrefix(path)
	}
	switch name {
	case "Bash":
		return truncate(firstString(input, "command", "cmd"), 80)
	case "Grep", "Glob", "WebSearch":
		return truncate(firstString(input, "pattern", "query"), 80)
	case "WebFetch":
		return truncate(firstString(input, "url"), 80)
	case "Task":
		return truncate(firstString(input, "description", "prompt"), 80)
	case "TodoWrite":
		return todoSummary(input)
	}
	return ""
}

func todoSummary(input map[string]any) string {
	todos, ok := input["todos"].([]any)
	if !ok || len(todos) == 0 {
		return ""
	}
	return fmt.Sprintf("%d items", len(todos))
}

func firstString(input map[string]any, keys ...string) string {
	for _, key := range keys {
		if v := stream.GetString(input, key); v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// SortMessages orders a snapshot for rendering. Events arrive already
// ordered per session, so ordinal assignment at apply time is enough.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Ordinal < msgs[j].Ordinal
	})
}
