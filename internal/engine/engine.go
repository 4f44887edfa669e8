package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/flitsinc/agentdeck/internal/adapter"
	"github.com/flitsinc/agentdeck/internal/collab"
	"github.com/flitsinc/agentdeck/internal/guard"
	"github.com/flitsinc/agentdeck/internal/hub"
	"github.com/flitsinc/agentdeck/internal/idgen"
	"github.com/flitsinc/agentdeck/internal/store"
)

var ErrRunActive = errors.New("a run is already active for this room")
var ErrNotRunning = errors.New("session is not running")

// SubmitRequest is one user instruction headed for a provider CLI.
type SubmitRequest struct {
	ProjectID   string
	RoomID      string
	Provider    string
	Model       string
	Instruction string
	WorkDir     string
	// NewSession skips resume and starts a fresh provider session even
	// when the room has a resumable one.
	NewSession bool
	// InitialPrompt prepends a workspace structure block so the very
	// first instruction lands with project context.
	InitialPrompt bool
	// Attachments are written into the working directory and
	// referenced from the instruction text, so every provider can
	// open them regardless of its CLI's upload support.
	Attachments []Attachment
}

// Runtime owns provider processes: one per session, supervised from
// spawn to terminal status. Everything it needs is injected; it keeps
// no global state.
type Runtime struct {
	store    *store.Store
	hub      *hub.Hub
	adapters adapter.Registry
	guard    *guard.Guard
	tracker  *guard.Tracker
	collab   *collab.Client

	projectsRoot    string
	retryQuotaMax   int
	retryQuotaDelay time.Duration
	cancelTimeout   time.Duration

	sleepFn func(time.Duration)

	mu      sync.Mutex
	running map[string]*run
}

type Option func(*Runtime)

func WithCollab(c *collab.Client) Option {
	return func(rt *Runtime) { rt.collab = c }
}

func WithRetryPolicy(quotaMax int, quotaDelay time.Duration) Option {
	return func(rt *Runtime) {
		if quotaMax >= 0 {
			rt.retryQuotaMax = quotaMax
		}
		if quotaDelay > 0 {
			rt.retryQuotaDelay = quotaDelay
		}
	}
}

func WithCancelTimeout(d time.Duration) Option {
	return func(rt *Runtime) {
		if d > 0 {
			rt.cancelTimeout = d
		}
	}
}

// WithSleep overrides the retry delay sleeper. Tests use it to skip
// real waits.
func WithSleep(fn func(time.Duration)) Option {
	return func(rt *Runtime) {
		if fn != nil {
			rt.sleepFn = fn
		}
	}
}

func New(st *store.Store, h *hub.Hub, adapters adapter.Registry, projectsRoot string, opts ...Option) *Runtime {
	rt := &Runtime{
		store:           st,
		hub:             h,
		adapters:        adapters,
		guard:           guard.New(),
		tracker:         guard.NewTracker(),
		projectsRoot:    projectsRoot,
		retryQuotaMax:   2,
		retryQuotaDelay: 60 * time.Second,
		cancelTimeout:   5 * time.Second,
		sleepFn:         time.Sleep,
		running:         map[string]*run{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rt)
		}
	}
	return rt
}

// Guard exposes the cancellation guard so transports can feed replayed
// events through it.
func (rt *Runtime) Guard() *guard.Guard { return rt.guard }

// ActiveCount reports in-flight runs for a project.
func (rt *Runtime) ActiveCount(projectID string) int {
	return rt.tracker.Count(projectID)
}

// Submit validates the request, creates the session record and starts
// the provider process in the background. It returns as soon as the
// session exists; progress flows through the event log and the hub.
func (rt *Runtime) Submit(ctx context.Context, req SubmitRequest) (store.Session, error) {
	if req.ProjectID == "" {
		return store.Session{}, fmt.Errorf("project_id is required")
	}
	if req.Instruction == "" {
		return store.Session{}, fmt.Errorf("instruction is required")
	}
	if req.Provider == "" || req.Model == "" {
		rt.fillDefaults(ctx, &req)
	}
	if req.Provider == "" {
		req.Provider = "claude"
	}
	ad, err := rt.adapters.Get(req.Provider)
	if err != nil {
		return store.Session{}, err
	}

	workDir := req.WorkDir
	if workDir == "" {
		workDir = filepath.Join(rt.projectsRoot, req.ProjectID)
	}
	workDir, err = adapter.ResolveWorkDir(rt.projectsRoot, workDir)
	if err != nil {
		return store.Session{}, err
	}

	resumeToken := ""
	if !req.NewSession && req.RoomID != "" {
		if prev, err := rt.store.LatestResumable(ctx, req.RoomID); err == nil && prev.Provider == req.Provider {
			resumeToken = prev.ResumeToken
		}
	}

	key := req.RoomID
	if key == "" {
		key = "project:" + req.ProjectID
	}
	rt.mu.Lock()
	if _, busy := rt.running[key]; busy {
		rt.mu.Unlock()
		return store.Session{}, ErrRunActive
	}
	rt.mu.Unlock()

	requestID := idgen.Request()
	attachRefs, err := saveAttachments(workDir, requestID, req.Attachments)
	if err != nil {
		return store.Session{}, err
	}

	sess, err := rt.store.CreateSession(ctx, req.ProjectID, req.RoomID, req.Provider, req.Model)
	if err != nil {
		return store.Session{}, err
	}
	if _, err := rt.store.CreateMessage(ctx, store.Message{
		ProjectID: req.ProjectID,
		SessionID: sess.ID,
		Role:      "user",
		Kind:      "chat",
		Content:   req.Instruction,
	}); err != nil {
		return store.Session{}, err
	}

	instruction := req.Instruction
	if req.InitialPrompt {
		instruction = withInitialContext(instruction, workDir)
	}
	instruction = withAttachmentRefs(instruction, attachRefs)

	r := &run{
		rt:        rt,
		key:       key,
		requestID: requestID,
		session:   sess,
		adapter:   ad,
		req: adapter.RunRequest{
			ProjectID:   req.ProjectID,
			SessionID:   sess.ID,
			WorkDir:     workDir,
			Instruction: instruction,
			Model:       req.Model,
			ResumeToken: resumeToken,
		},
	}

	rt.mu.Lock()
	if _, busy := rt.running[key]; busy {
		rt.mu.Unlock()
		return store.Session{}, ErrRunActive
	}
	rt.running[key] = r
	rt.mu.Unlock()
	rt.tracker.Add(req.ProjectID, r.requestID)

	go r.loop(context.WithoutCancel(ctx))
	return sess, nil
}

// Cancel stops a running session. It refuses while the cancellation
// guard is locked, so a process that has not proven live progress is
// never killed blind. A non-empty reason lands in the transcript with
// the cancelled status.
func (rt *Runtime) Cancel(ctx context.Context, sessionID, reason string) error {
	r := rt.runBySession(sessionID)
	if r == nil {
		return ErrNotRunning
	}
	if err := rt.guard.Check(sessionID); err != nil {
		return err
	}
	r.terminate(rt.cancelTimeout, reason)
	return nil
}

func (rt *Runtime) runBySession(sessionID string) *run {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, r := range rt.running {
		if r.session.ID == sessionID {
			return r
		}
	}
	return nil
}

func (rt *Runtime) fillDefaults(ctx context.Context, req *SubmitRequest) {
	if !rt.collab.Enabled() {
		return
	}
	settings, err := rt.collab.Settings(ctx, req.ProjectID)
	if err != nil {
		return
	}
	if req.Provider == "" {
		req.Provider = settings.DefaultProvider
	}
	if req.Model == "" {
		req.Model = settings.DefaultModel
	}
}
