package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/agentdeck/internal/stream"
)

// Conn is one subscribed transport connection. Implementations exist
// for the bidirectional websocket channel and the one-way SSE stream;
// both carry the same serialized envelope.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Hub multiplexes published envelopes to every connection subscribed
// to a project. It is constructed once by the process entry point and
// injected; there is no ambient registry.
type Hub struct {
	mu       sync.Mutex
	projects map[string]map[string]Conn

	pingInterval time.Duration
	done         chan struct{}
	stopOnce     sync.Once
}

type Option func(*Hub)

func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		projects:     map[string]map[string]Conn{},
		pingInterval: 30 * time.Second,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Start launches the liveness loop. Stop must be called on shutdown.
func (h *Hub) Start() {
	go h.pingLoop()
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	for projectID, conns := range h.projects {
		for id, conn := range conns {
			_ = conn.Close()
			delete(conns, id)
		}
		delete(h.projects, projectID)
	}
}

// Register adds a connection to a project's fan-out set and returns
// its connection id.
func (h *Hub) Register(projectID string, conn Conn) string {
	id := ulid.Make().String()
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.projects[projectID]
	if !ok {
		conns = map[string]Conn{}
		h.projects[projectID] = conns
	}
	conns[id] = conn
	return id
}

func (h *Hub) Unregister(projectID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(projectID, connID)
}

// Publish delivers the envelope to every connection currently
// subscribed to the project. Delivery is best-effort and at-least-once
// per open connection: a failed write prunes that connection without
// surfacing to the publisher. Connections that were not open for an
// event must use resume.
func (h *Hub) Publish(projectID string, env stream.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		log.Printf("hub: encode envelope: %v", err)
		return
	}

	for _, target := range h.snapshot(projectID) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := target.conn.Send(ctx, data)
		cancel()
		if err != nil {
			h.Unregister(projectID, target.id)
			_ = target.conn.Close()
		}
	}
}

// ConnectionCount reports how many connections a project has.
func (h *Hub) ConnectionCount(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.projects[projectID])
}

type targetConn struct {
	id   string
	conn Conn
}

func (h *Hub) snapshot(projectID string) []targetConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.projects[projectID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]targetConn, 0, len(conns))
	for id, conn := range conns {
		out = append(out, targetConn{id: id, conn: conn})
	}
	return out
}

func (h *Hub) snapshotAll() map[string][]targetConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := map[string][]targetConn{}
	for projectID, conns := range h.projects {
		for id, conn := range conns {
			out[projectID] = append(out[projectID], targetConn{id: id, conn: conn})
		}
	}
	return out
}

func (h *Hub) pingLoop() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			for projectID, targets := range h.snapshotAll() {
				for _, target := range targets {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					err := target.conn.Ping(ctx)
					cancel()
					if err != nil {
						h.Unregister(projectID, target.id)
						_ = target.conn.Close()
					}
				}
			}
		}
	}
}

func (h *Hub) removeLocked(projectID, connID string) {
	conns, ok := h.projects[projectID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.projects, projectID)
	}
}
