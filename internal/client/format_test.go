package client_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flitsinc/agentdeck/internal/client"
)

func TestStripWorkspacePrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/home/daytona/template/src/app/page.tsx", "src/app/page.tsx"},
		{"/home/daytona/notes.md", "notes.md"},
		{"/workspace/cmd/main.go", "cmd/main.go"},
		{"src/relative.go", "src/relative.go"},
		{"/etc/hosts", "/etc/hosts"},
	}
	for _, tc := range cases {
		if got := client.StripWorkspacePrefix(tc.in); got != tc.want {
			t.Errorf("StripWorkspacePrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestToolSummary(t *testing.T) {
	cases := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"Edit", map[string]any{"file_path": "/home/daytona/template/src/app/page.tsx"}, "**Edit** `src/app/page.tsx`"},
		{"Bash", map[string]any{"command": "npm install"}, "**Bash** `npm install`"},
		{"Grep", map[string]any{"pattern": "TODO"}, "**Grep** `TODO`"},
		{"TodoWrite", map[string]any{"todos": []any{map[string]any{}, map[string]any{}}}, "**TodoWrite** `2 items`"},
		{"WebSearch", map[string]any{"query": "golang sqlite"}, "**WebSearch** `golang sqlite`"},
		{"Task", nil, "**Task**"},
		// Preformatted content passes through unchanged.
		{"[Checkpoint restored]", nil, "[Checkpoint restored]"},
	}
	for _, tc := range cases {
		if got := client.ToolSummary(tc.name, tc.input); got != tc.want {
			t.Errorf("ToolSummary(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestToolSummaryTruncatesLongCommands(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	got := client.ToolSummary("Bash", map[string]any{"command": string(long)})
	if len(got) > 100 {
		t.Fatalf("summary not truncated: %d chars", len(got))
	}
}

func TestPollerAdaptiveCadenceAndVisibility(t *testing.T) {
	var polls atomic.Int64
	p := client.NewPoller(func(ctx context.Context) (bool, error) {
		polls.Add(1)
		return true, nil
	}, time.Millisecond, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for polls.Load() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("fast cadence never engaged, polls=%d", polls.Load())
		}
		time.Sleep(time.Millisecond)
	}

	p.SetVisible(false)
	time.Sleep(20 * time.Millisecond)
	paused := polls.Load()
	time.Sleep(30 * time.Millisecond)
	if polls.Load() > paused+1 {
		t.Fatalf("poller kept polling while hidden: %d -> %d", paused, polls.Load())
	}

	p.SetVisible(true)
	deadline = time.Now().Add(2 * time.Second)
	for polls.Load() <= paused+1 {
		if time.Now().After(deadline) {
			t.Fatalf("poller did not wake on visibility")
		}
		time.Sleep(time.Millisecond)
	}
}
