// Package companion drives the vibration companion: a small peripheral
// with mode, strength and interval characteristics and an optional battery
// level. Every device operation goes through a single-worker Queue.
package companion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/pulsebed/internal/timeutil"
)

// DefaultGap is the minimum pause between two device operations.
const DefaultGap = 50 * time.Millisecond

// ErrQueueClosed is returned for operations submitted after Close.
var ErrQueueClosed = errors.New("companion queue closed")

type op struct {
	fn   func() error
	done chan error
}

// Queue runs operations one at a time in submission order, leaving at
// least gap between the end of one and the start of the next. A failing
// operation does not stop the queue.
type Queue struct {
	clock timeutil.Clock
	gap   time.Duration

	mu     sync.Mutex
	ops    []op
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewQueue starts a Queue worker. A gap shorter than DefaultGap is raised
// to DefaultGap.
func NewQueue(clock timeutil.Clock, gap time.Duration) *Queue {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	q := &Queue{
		clock: clock,
		gap:   max(gap, DefaultGap),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	var last time.Time
	for {
		q.mu.Lock()
		for len(q.ops) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		next := q.ops[0]
		q.ops = q.ops[1:]
		q.mu.Unlock()

		if !last.IsZero() {
			if wait := q.gap - q.clock.Since(last); wait > 0 {
				q.clock.Sleep(wait)
			}
		}
		err := next.fn()
		last = q.clock.Now()
		if next.done != nil {
			next.done <- err
		}
	}
}

func (q *Queue) push(o op) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.ops = append(q.ops, o)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Enqueue submits fn without waiting for it.
func (q *Queue) Enqueue(fn func() error) error {
	return q.push(op{fn: fn})
}

// Do submits fn and waits for its result. If ctx ends first Do returns
// ctx.Err() and fn still runs in its turn.
func (q *Queue) Do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if err := q.push(op{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting operations and waits for queued ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}
