package session

import (
	"context"
	"fmt"
	"time"
)

// idleTimeoutError reports that a stream produced no events within its
// inactivity deadline.
type idleTimeoutError struct {
	deadline time.Duration
}

func (e *idleTimeoutError) Error() string {
	return fmt.Sprintf("no stream activity for %s", e.deadline)
}

// watchdog forwards events from a source channel while enforcing an
// inactivity deadline between consecutive elements. The deadline
// function is consulted before each wait, so the caller can stretch or
// collapse the window while the stream runs; a zero deadline disables
// the check for that wait.
//
// The forwarded channel closes when the source closes, the deadline
// fires, or ctx is cancelled. Err reports which of those it was.
type watchdog[T any] struct {
	source   <-chan T
	deadline func() time.Duration
	events   chan T
	err      error
}

func newWatchdog[T any](ctx context.Context, source <-chan T, deadline func() time.Duration) *watchdog[T] {
	w := &watchdog[T]{
		source:   source,
		deadline: deadline,
		events:   make(chan T),
	}
	go w.run(ctx)
	return w
}

// Events returns the forwarded event channel.
func (w *watchdog[T]) Events() <-chan T { return w.events }

// Err reports why forwarding stopped: an idleTimeoutError, the context
// error, or nil when the source simply closed. Valid only after Events
// is closed.
func (w *watchdog[T]) Err() error { return w.err }

func (w *watchdog[T]) run(ctx context.Context) {
	defer close(w.events)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	clear := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	clear()

	for {
		d := w.deadline()
		var fired <-chan time.Time
		if d > 0 {
			clear()
			timer.Reset(d)
			fired = timer.C
		}

		select {
		case <-ctx.Done():
			w.err = ctx.Err()
			return
		case <-fired:
			w.err = &idleTimeoutError{deadline: d}
			return
		case ev, ok := <-w.source:
			if !ok {
				return
			}
			// The countdown pauses while the consumer is busy; it
			// restarts from the next iteration's deadline read.
			select {
			case w.events <- ev:
			case <-ctx.Done():
				w.err = ctx.Err()
				return
			}
		}
	}
}
