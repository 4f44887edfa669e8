package client

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/flitsinc/agentdeck/internal/stream"
)

// ConnState is the reconnection controller's lifecycle.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateConnecting ConnState = "connecting"
	StateConnected  ConnState = "connected"
	StateBackoff    ConnState = "backoff"
)

// Transport is one established push-channel connection.
type Transport interface {
	// Receive blocks for the next serialized envelope.
	Receive(ctx context.Context) ([]byte, error)
	// Send carries client-originated frames (heartbeats).
	Send(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc establishes a transport connection.
type DialFunc func(ctx context.Context) (Transport, error)

// Controller keeps one push-channel connection alive, reconnecting
// with jittered exponential backoff and degrading to a slow fixed
// cadence rather than giving up. It never resumes on its own: a
// reconnect only re-attaches the live stream, and the owner decides
// whether to replay.
type Controller struct {
	dial    DialFunc
	handler func([]byte)

	warmup func(ctx context.Context) error

	baseDelay         time.Duration
	maxDelay          time.Duration
	longRetryAfter    int
	longRetryInterval time.Duration
	heartbeatInterval time.Duration

	mu       sync.Mutex
	state    ConnState
	attempts int

	sleepFn func(ctx context.Context, d time.Duration)
}

type ControllerOption func(*Controller)

func WithBackoff(base, max time.Duration) ControllerOption {
	return func(c *Controller) {
		if base > 0 {
			c.baseDelay = base
		}
		if max > 0 {
			c.maxDelay = max
		}
	}
}

// WithLongRetry switches to a fixed slow cadence after n failed
// attempts instead of giving up.
func WithLongRetry(after int, interval time.Duration) ControllerOption {
	return func(c *Controller) {
		if after > 0 {
			c.longRetryAfter = after
		}
		if interval > 0 {
			c.longRetryInterval = interval
		}
	}
}

func WithHeartbeat(interval time.Duration) ControllerOption {
	return func(c *Controller) {
		if interval > 0 {
			c.heartbeatInterval = interval
		}
	}
}

// WithWarmup runs a plain request before each handshake attempt, for
// servers whose upgrade path attaches late on cold start.
func WithWarmup(fn func(ctx context.Context) error) ControllerOption {
	return func(c *Controller) { c.warmup = fn }
}

func NewController(dial DialFunc, handler func([]byte), opts ...ControllerOption) *Controller {
	c := &Controller{
		dial:              dial,
		handler:           handler,
		baseDelay:         500 * time.Millisecond,
		maxDelay:          30 * time.Second,
		longRetryAfter:    10,
		longRetryInterval: 60 * time.Second,
		heartbeatInterval: 25 * time.Second,
		state:             StateIdle,
		sleepFn:           sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Controller) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Run drives the connection until ctx is cancelled. Cancellation is
// the intentional disconnect: it exits without entering backoff.
func (c *Controller) Run(ctx context.Context) {
	defer c.setState(StateIdle)
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)
		if c.warmup != nil {
			if err := c.warmup(ctx); err != nil {
				log.Printf("client: warmup failed: %v", err)
			}
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.backoff(ctx)
			continue
		}

		c.setState(StateConnected)
		c.resetAttempts()
		c.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.backoff(ctx)
	}
}

func (c *Controller) serve(ctx context.Context, conn Transport) {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.heartbeatLoop(serveCtx, conn)

	for {
		data, err := conn.Receive(serveCtx)
		if err != nil {
			return
		}
		if c.handler != nil {
			c.handler(data)
		}
	}
}

// heartbeatLoop sends liveness frames while connected. A failed send
// is logged only; teardown comes from the receive path.
func (c *Controller) heartbeatLoop(ctx context.Context, conn Transport) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	frame, err := stream.Envelope{Type: stream.EnvelopeHeartbeat}.Marshal()
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Send(ctx, frame); err != nil {
				log.Printf("client: heartbeat send failed: %v", err)
			}
		}
	}
}

func (c *Controller) backoff(ctx context.Context) {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	c.state = StateBackoff
	c.mu.Unlock()

	delay := c.delayFor(attempts)
	if attempts == c.longRetryAfter+1 {
		log.Printf("client: connection still failing after %d attempts, retrying every %s", attempts-1, c.longRetryInterval)
	}
	c.sleepFn(ctx, delay)
}

// delayFor is exponential with jitter, clamped to the cap, then a
// fixed long-period cadence past the attempt threshold.
func (c *Controller) delayFor(attempt int) time.Duration {
	if attempt > c.longRetryAfter {
		return c.longRetryInterval
	}
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay || delay <= 0 {
		delay = c.maxDelay
	}
	jittered := time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
	if jittered > c.maxDelay {
		jittered = c.maxDelay
	}
	return jittered
}

func (c *Controller) setState(state ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Controller) resetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
