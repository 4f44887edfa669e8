package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type scriptTransport struct {
	frames [][]byte
	idx    int
}

func (t *scriptTransport) Receive(ctx context.Context) ([]byte, error) {
	if t.idx >= len(t.frames) {
		return nil, errors.New("connection reset")
	}
	frame := t.frames[t.idx]
	t.idx++
	return frame, nil
}

func (t *scriptTransport) Send(ctx context.Context, data []byte) error { return nil }

func (t *scriptTransport) Close() error { return nil }

func TestControllerDispatchesFramesAndReconnects(t *testing.T) {
	var dials atomic.Int64
	var got atomic.Int64
	dial := func(ctx context.Context) (Transport, error) {
		dials.Add(1)
		return &scriptTransport{frames: [][]byte{[]byte(`{"type":"connected"}`)}}, nil
	}
	c := NewController(dial, func([]byte) { got.Add(1) },
		WithBackoff(time.Millisecond, 2*time.Millisecond))
	c.sleepFn = func(ctx context.Context, d time.Duration) {}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for dials.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("controller did not reconnect, dials=%d", dials.Load())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if got.Load() < 3 {
		t.Fatalf("expected a frame per connection, got %d", got.Load())
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after intentional stop, got %s", c.State())
	}
}

func TestControllerCountsFailedAttempts(t *testing.T) {
	dial := func(ctx context.Context) (Transport, error) {
		return nil, errors.New("refused")
	}
	c := NewController(dial, nil, WithBackoff(time.Millisecond, 2*time.Millisecond))
	c.sleepFn = func(ctx context.Context, d time.Duration) {}

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for c.Attempts() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("attempts never accumulated, got %d", c.Attempts())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
}

func TestControllerResetsAttemptsOnSuccess(t *testing.T) {
	var dials atomic.Int64
	dial := func(ctx context.Context) (Transport, error) {
		if dials.Add(1) < 3 {
			return nil, errors.New("refused")
		}
		return &scriptTransport{}, nil
	}
	block := make(chan struct{})
	c := NewController(dial, nil, WithBackoff(time.Millisecond, 2*time.Millisecond))
	c.sleepFn = func(ctx context.Context, d time.Duration) {
		if dials.Load() >= 3 {
			<-block
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for dials.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("never reached successful dial")
		}
		time.Sleep(time.Millisecond)
	}
	// Successful handshake resets the counter before the next failure.
	for c.Attempts() > 1 {
		if time.Now().After(deadline) {
			t.Fatalf("attempts not reset after success, got %d", c.Attempts())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(block)
}

func TestDelayForSwitchesToLongRetry(t *testing.T) {
	c := NewController(nil, nil,
		WithBackoff(10*time.Millisecond, 80*time.Millisecond),
		WithLongRetry(3, 5*time.Second))

	for attempt := 1; attempt <= 3; attempt++ {
		delay := c.delayFor(attempt)
		if delay <= 0 || delay > c.maxDelay {
			t.Fatalf("attempt %d: delay %s outside jittered bounds", attempt, delay)
		}
	}
	if got := c.delayFor(4); got != 5*time.Second {
		t.Fatalf("expected long-period retry past threshold, got %s", got)
	}
	if got := c.delayFor(40); got != 5*time.Second {
		t.Fatalf("long-period retry must stay fixed, got %s", got)
	}
}

func TestDelayForNeverExceedsCap(t *testing.T) {
	c := NewController(nil, nil, WithBackoff(80*time.Millisecond, 80*time.Millisecond))
	for i := 0; i < 50; i++ {
		if d := c.delayFor(1); d > c.maxDelay {
			t.Fatalf("jittered delay %s exceeds cap %s", d, c.maxDelay)
		}
	}
}

func TestWarmupRunsBeforeDial(t *testing.T) {
	var order []string
	dial := func(ctx context.Context) (Transport, error) {
		order = append(order, "dial")
		return nil, errors.New("refused")
	}
	warm := func(ctx context.Context) error {
		order = append(order, "warmup")
		return nil
	}
	c := NewController(dial, nil, WithWarmup(warm), WithBackoff(time.Millisecond, time.Millisecond))
	stop := make(chan struct{})
	var stopOnce sync.Once
	c.sleepFn = func(ctx context.Context, d time.Duration) { stopOnce.Do(func() { close(stop) }) }

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stop
		cancel()
	}()
	c.Run(ctx)

	if len(order) < 2 || order[0] != "warmup" || order[1] != "dial" {
		t.Fatalf("expected warmup before dial, got %v", order)
	}
}
