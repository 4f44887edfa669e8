package adapter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/flitsinc/agentdeck/internal/stream"
)

// RunRequest describes one execution of a provider CLI against a
// sandboxed project working directory.
type RunRequest struct {
	ProjectID   string
	SessionID   string
	WorkDir     string
	Instruction string
	Model       string
	ResumeToken string
}

// Canon is one canonical event produced from a provider output line,
// before the store assigns its sequence.
type Canon struct {
	Type    stream.EventType
	Payload map[string]any
}

// ParsedLine is the result of normalizing one line of provider
// output. ResumeToken is set whenever any event shape carried a
// provider session identifier, regardless of position in the stream.
type ParsedLine struct {
	Events      []Canon
	ResumeToken string
}

// Adapter drives one provider's CLI. Implementations are isolated per
// provider: adding one never touches the canonical model or anything
// downstream.
type Adapter interface {
	Provider() string
	BuildCommand(ctx context.Context, req RunRequest) (*exec.Cmd, error)
	ParseLine(line []byte) (ParsedLine, error)
}

var ErrWorkdirOutsideRoot = errors.New("working directory resolves outside the projects root")

// ResolveWorkDir validates that dir lives under root after resolving
// symlinks. Rejecting here is fatal for the run: it protects the host
// against path traversal in project records.
func ResolveWorkDir(root, dir string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("projects root is required")
	}
	if dir == "" {
		return "", fmt.Errorf("working directory is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve projects root: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if resolvedRoot, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolvedRoot
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrWorkdirOutsideRoot
	}
	return abs, nil
}

// Registry maps provider names to adapters.
type Registry map[string]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	reg := Registry{}
	for _, a := range adapters {
		reg[a.Provider()] = a
	}
	return reg
}

func (r Registry) Get(provider string) (Adapter, error) {
	a, ok := r[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	return a, nil
}

func (r Registry) Providers() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	return out
}
