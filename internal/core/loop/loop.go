// Package loop runs work on a single goroutine, one turn at a time.
//
// All session state in huddle is owned by a loop: transports post events into
// it and every handler runs to completion before the next event is taken, so
// the state itself needs no locking. Work scheduled with Defer runs at the end
// of the current turn, after the handler that scheduled it has settled.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrStopped is returned when posting to a loop that is no longer running.
var ErrStopped = errors.New("loop stopped")

const defaultQueueSize = 1024

// Loop is a single-goroutine task queue.
type Loop struct {
	log   zerolog.Logger
	tasks chan func()

	// loop-owned
	inTurn   bool
	deferred []func()

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a loop with room for size pending tasks. A size of zero uses the
// default queue size.
func New(log zerolog.Logger, size int) *Loop {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Loop{
		log:   log,
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Run processes tasks until ctx is cancelled. Pending tasks are discarded when
// Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			l.Turn(fn)
		}
	}
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Post queues fn to run as its own turn. It is safe to call from any
// goroutine. Code already running on the loop should use Defer instead, since
// Post blocks while the queue is full.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}

	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	err := l.Post(func() {
		defer close(finished)
		fn()
	})
	if err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Turn runs fn followed by everything it deferred. Run calls Turn for each
// queued task; tests may call it directly to drive loop-owned state without a
// running loop. Turn must not be called concurrently with Run.
func (l *Loop) Turn(fn func()) {
	l.inTurn = true
	defer func() { l.inTurn = false }()

	l.exec(fn)
	for len(l.deferred) > 0 {
		batch := l.deferred
		l.deferred = nil
		for _, d := range batch {
			l.exec(d)
		}
	}
}

// Defer schedules fn to run once the current turn's handler has settled.
// Called outside a turn, fn is posted as a new task.
func (l *Loop) Defer(fn func()) {
	if !l.inTurn {
		if err := l.Post(fn); err != nil {
			l.log.Debug().Err(err).Msg("dropping deferred task")
		}
		return
	}
	l.deferred = append(l.deferred, fn)
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("loop task panicked")
		}
	}()
	fn()
}

// Timer is a pending AfterFunc call. Its methods must be called on the loop.
type Timer struct {
	t       *time.Timer
	stopped bool
	fired   bool
}

// AfterFunc runs fn as a loop turn once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		err := l.Post(func() {
			if tm.stopped {
				return
			}
			tm.fired = true
			fn()
		})
		if err != nil {
			l.log.Debug().Err(err).Msg("dropping timer")
		}
	})
	return tm
}

// Stop cancels the timer. It reports whether the call prevented fn from
// running. A timer that expired but whose turn has not run yet is still
// cancelled.
func (tm *Timer) Stop() bool {
	if tm.stopped || tm.fired {
		return false
	}
	tm.stopped = true
	tm.t.Stop()
	return true
}
