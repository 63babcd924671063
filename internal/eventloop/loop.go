// Package eventloop provides the single-threaded cooperative worker loop
// that owns all mutable Bluetooth daemon state.
//
// Every D-Bus proxy, subscription and registration in this library is
// touched only from the loop goroutine. Callers on other goroutines hand
// work to the loop with Run (blocking, with error back-propagation) or
// Post (fire-and-forget, in submission order). Signal handlers are
// dispatched through the same queue, so no two handlers or work items
// ever run concurrently.
package eventloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("tag", "EventLoop")

type workItem struct {
	fn    func() error
	reply chan error
}

// execute runs the work function, converting a panic into an error so a
// misbehaving work item cannot kill the loop goroutine.
func (it workItem) execute() {
	var err error
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("work item panicked: %v", r)
			err = fmt.Errorf("work item panicked: %v", r)
		}
		if it.reply != nil {
			it.reply <- err
		}
	}()
	err = it.fn()
}

// Loop is a single-threaded cooperative event loop running on a
// dedicated goroutine.
type Loop struct {
	work chan workItem
	quit chan struct{}
	done chan struct{}

	stopOnce sync.Once

	// onStop runs on the loop goroutine as it exits.
	hookMu sync.Mutex
	onStop func()
}

// New creates a loop. Call Start to begin executing work.
func New() *Loop {
	return &Loop{
		work: make(chan workItem, 16),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// OnStop installs a last-chance hook that runs on the loop goroutine
// just before it exits.
func (l *Loop) OnStop(hook func()) {
	l.hookMu.Lock()
	l.onStop = hook
	l.hookMu.Unlock()
}

// Start spawns the loop goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Stop asks the loop to exit and waits for its goroutine to finish.
// Work items still queued when the loop exits complete with a nil error
// without running. Idempotent.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
	<-l.done
}

func (l *Loop) run() {
	log.Trace("worker loop started")
	defer close(l.done)
	defer func() {
		l.hookMu.Lock()
		hook := l.onStop
		l.hookMu.Unlock()
		if hook != nil {
			hook()
		}
		log.Trace("worker loop stopped")
	}()

	for {
		select {
		case it := <-l.work:
			it.execute()
		case <-l.quit:
			// Drain the queue, completing pending futures without
			// running them.
			for {
				select {
				case it := <-l.work:
					if it.reply != nil {
						it.reply <- nil
					}
				default:
					return
				}
			}
		}
	}
}

// Run schedules fn on the loop, blocks until it has run, and returns
// its error to the caller. If the loop exits before fn runs, Run
// returns nil.
//
// Calling Run from within a work item would deadlock; loop-side code
// must call work functions directly.
func (l *Loop) Run(fn func() error) error {
	it := workItem{fn: fn, reply: make(chan error, 1)}
	select {
	case l.work <- it:
	case <-l.done:
		return nil
	}
	select {
	case err := <-it.reply:
		return err
	case <-l.done:
		// The loop exited after the item was queued. If the item ran
		// (or was drained) its reply is already buffered; otherwise it
		// will never run and the default value applies.
		select {
		case err := <-it.reply:
			return err
		default:
			return nil
		}
	}
}

// Post schedules fn on the loop without waiting for it. Items posted
// from one goroutine run in submission order. Posts after Stop are
// dropped.
func (l *Loop) Post(fn func()) {
	it := workItem{fn: func() error { fn(); return nil }}
	select {
	case l.work <- it:
	case <-l.done:
	}
}

// Timer is a handle for work scheduled with After.
type Timer struct {
	t *time.Timer
}

// Stop cancels the timer. It is safe to call after the timer fired.
func (t *Timer) Stop() {
	if t != nil && t.t != nil {
		t.t.Stop()
	}
}

// After schedules fn to run on the loop once d has elapsed and returns
// a handle that can cancel it. The delay elapses off-loop; only fn
// itself runs on the loop goroutine.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	return &Timer{t: time.AfterFunc(d, func() { l.Post(fn) })}
}
