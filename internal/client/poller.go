package client

import (
	"context"
	"sync"
	"time"
)

// PollFunc performs one poll and reports whether there is active work
// (in-flight requests) on the server.
type PollFunc func(ctx context.Context) (active bool, err error)

// Poller is the REST fallback cadence for degraded push channels:
// fast while the project has active requests, slow while idle, and
// fully paused while the viewer is not foreground-visible.
type Poller struct {
	poll PollFunc
	fast time.Duration
	slow time.Duration

	mu      sync.Mutex
	visible bool
	wake    chan struct{}
}

func NewPoller(poll PollFunc, fast, slow time.Duration) *Poller {
	if fast <= 0 {
		fast = 2 * time.Second
	}
	if slow <= 0 {
		slow = 15 * time.Second
	}
	return &Poller{
		poll:    poll,
		fast:    fast,
		slow:    slow,
		visible: true,
		wake:    make(chan struct{}, 1),
	}
}

// SetVisible pauses or resumes polling with UI visibility. Becoming
// visible triggers an immediate poll.
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	changed := p.visible != visible
	p.visible = visible
	p.mu.Unlock()
	if changed && visible {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

func (p *Poller) isVisible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.slow
	for {
		if p.isVisible() {
			active, err := p.poll(ctx)
			if err == nil && active {
				interval = p.fast
			} else {
				interval = p.slow
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
