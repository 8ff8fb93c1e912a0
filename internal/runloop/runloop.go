// Package runloop provides the single serialized execution context that all
// session and registry state lives on. Radio callbacks arrive on arbitrary
// goroutines and are posted here before they may touch any shared state, so
// no two state mutations ever race.
package runloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleserial/internal/groutine"
)

// taskQueueCap bounds the pending-task channel. The loop drains faster than
// any radio stack produces; hitting the bound stalls the producing goroutine
// rather than dropping control events.
const taskQueueCap = 1024

// Loop is a single-goroutine task executor with cancellable timers.
type Loop struct {
	tasks  chan func()
	logger *logrus.Logger

	gid     atomic.Uint64 // id of the loop goroutine, 0 until started
	name    string        // goroutine label, set on the loop before tasks run
	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}

	timerMu sync.Mutex
	timers  map[*Timer]struct{}
}

// Timer is a pending delayed task. Stop cancels it if it has not fired yet.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
	owner   *Loop
}

// New creates a stopped loop. Call Start before posting.
func New(logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		tasks:  make(chan func(), taskQueueCap),
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		timers: make(map[*Timer]struct{}),
	}
}

// Start launches the loop goroutine. Starting twice is a no-op.
func (l *Loop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	groutine.Go(nil, "bleserial-runloop", func(ctx context.Context) {
		l.name = groutine.Name(ctx)
		l.gid.Store(groutine.GID())
		defer close(l.done)
		for {
			select {
			case <-l.stop:
				// Drain what is already queued so late-posted
				// completions still run.
				for {
					select {
					case task := <-l.tasks:
						l.run(task)
					default:
						return
					}
				}
			case task := <-l.tasks:
				l.run(task)
			}
		}
	})
}

// Stop halts the loop after draining queued tasks and cancels outstanding
// timers. It does not wait for the loop goroutine to exit; use Wait.
func (l *Loop) Stop() {
	l.timerMu.Lock()
	for tm := range l.timers {
		tm.t.Stop()
	}
	l.timers = map[*Timer]struct{}{}
	l.timerMu.Unlock()

	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// Wait blocks until the loop goroutine has exited.
func (l *Loop) Wait() {
	<-l.done
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"goroutine": l.name,
				"panic":     r,
			}).Error("run loop task panicked")
		}
	}()
	task()
}

// Post schedules fn for execution on the loop. Safe from any goroutine,
// including the loop itself.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.stop:
		l.logger.Debug("task posted to stopped run loop, dropped")
	}
}

// Do posts fn and waits for it to finish. Off-loop helper for callers such
// as the CLI; calling Do from the loop itself would deadlock, so it panics.
func (l *Loop) Do(fn func()) {
	if l.OnLoop() {
		panic("runloop: Do called from the run loop")
	}
	doneCh := make(chan struct{})
	l.Post(func() {
		defer close(doneCh)
		fn()
	})
	select {
	case <-doneCh:
	case <-l.done:
	}
}

// After schedules fn to run on the loop after d. The returned timer can be
// stopped; a stopped timer never delivers.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	tm := &Timer{owner: l}
	tm.t = time.AfterFunc(d, func() {
		if tm.stopped.Load() {
			return
		}
		l.forget(tm)
		l.Post(func() {
			if !tm.stopped.Load() {
				fn()
			}
		})
	})

	l.timerMu.Lock()
	l.timers[tm] = struct{}{}
	l.timerMu.Unlock()
	return tm
}

func (l *Loop) forget(tm *Timer) {
	l.timerMu.Lock()
	delete(l.timers, tm)
	l.timerMu.Unlock()
}

// Stop cancels the timer. Safe to call repeatedly and after firing.
func (tm *Timer) Stop() {
	if tm == nil {
		return
	}
	tm.stopped.Store(true)
	tm.t.Stop()
	tm.owner.forget(tm)
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) OnLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == groutine.GID()
}

// Assert panics unless called from the loop goroutine. Violations are
// programmer errors, not recoverable conditions.
func (l *Loop) Assert() {
	if !l.OnLoop() {
		panic("runloop: called off the run loop")
	}
}
