// Package loop provides the single-consumer event queue that serializes
// every state change of a client. Socket callbacks, timers and REST
// completions are posted as turns; a turn runs to completion before the
// next one starts, so the state it touches needs no further locking.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Call once the loop has shut down.
var ErrStopped = errors.New("loop: stopped")

// Timer is a cancellable scheduled turn.
type Timer interface {
	// Stop prevents the turn from being posted. It reports false when the
	// turn was already posted; callers guard against that case with a
	// generation check.
	Stop() bool
}

// Executor is what components see of the loop.
type Executor interface {
	// Post enqueues fn as a turn. It never blocks.
	Post(fn func())

	// AfterFunc posts fn as a turn once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer

	// Go runs fn off the loop. Network I/O belongs here; results must be
	// handed back with Post.
	Go(fn func())
}

// Loop is the production Executor backed by one goroutine.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	started bool
}

// New creates a loop. Call Run to start processing turns.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post enqueues fn. Turns posted after Stop are discarded.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

type wallTimer struct {
	t *time.Timer
}

func (w wallTimer) Stop() bool { return w.t.Stop() }

// AfterFunc schedules fn to be posted after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return wallTimer{t: time.AfterFunc(d, func() { l.Post(fn) })}
}

// Go runs fn on a new goroutine, logging instead of crashing on panic.
func (l *Loop) Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("background task panicked", "panic", fmt.Sprint(r))
			}
		}()
		fn()
	}()
}

// Call runs fn as a turn and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes turns until ctx is cancelled or Stop is called. It must be
// called at most once.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	defer close(l.done)
	defer l.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.stopped || len(l.queue) == 0 {
				stopped := l.stopped
				l.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.turn(fn)
		}
	}
}

// turn runs a single turn. A panicking turn is logged and dropped so one
// bad event cannot terminate the loop.
func (l *Loop) turn(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("turn panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Stop discards queued turns and makes further posts no-ops.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	l.queue = nil
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
