package timeutil

import (
	"sync"
	"time"
)

// Periodic calls a function at a fixed interval until stopped. Each call is
// scheduled with AfterFunc after the previous one returns, so calls never
// overlap.
type Periodic struct {
	clock    Clock
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	timer   Timer
	stopped bool
}

// Every starts calling fn every interval on clock. The first call happens
// one interval from now.
func Every(clock Clock, interval time.Duration, fn func()) *Periodic {
	p := &Periodic{clock: clock, interval: interval, fn: fn}
	p.mu.Lock()
	p.timer = clock.AfterFunc(interval, p.run)
	p.mu.Unlock()
	return p
}

func (p *Periodic) run() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.fn()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.timer = p.clock.AfterFunc(p.interval, p.run)
	}
}

// Stop cancels all future calls. It is safe to call more than once and from
// within fn.
func (p *Periodic) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Stopped reports whether Stop has been called.
func (p *Periodic) Stopped() bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
