package prioritask

import (
	"sync"
	"sync/atomic"
	"time"
)

// hostCallback is a one-shot, cancellable request to re-enter the scheduler,
// backed by exactly one of the three host yield primitives chosen at
// construction by priority and delay (see hostCallbackHub.schedule).
type hostCallback struct {
	hub       *hostCallbackHub
	handle    uint64
	idle      bool
	timer     *time.Timer
	cancelled atomic.Bool
}

// isIdleCallback reports whether this callback was armed on the idle-time
// primitive, letting the scheduler's arming policy recognize and upgrade a
// too-lazy wakeup when a higher-priority submission arrives.
func (h *hostCallback) isIdleCallback() bool {
	return h.idle
}

// cancel prevents the callback's thunk from running, if it has not already
// fired. Idempotent.
func (h *hostCallback) cancel() {
	if !h.cancelled.CompareAndSwap(false, true) {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
		return
	}
	h.hub.thunks.Delete(h.handle)
}

// hostCallbackHub realizes the message-port and idle-time primitives with a
// single long-lived channel and dispatcher goroutine, per scheduler
// instance. A posted message carries only a numeric handle; the goroutine
// looks up and runs the matching thunk, which lets many in-flight posts be
// distinguished and individually cancelled — exactly the round-trip shape
// the message-port primitive is specified to have.
//
// The millisecond-timer primitive is delegated to the standard library's
// time.AfterFunc instead of sharing this hub, since ordering among multiple
// pending timers is not a concern the scheduler relies on (only one host
// callback is ever pending at a time; see the Scheduler invariant).
//
// The idle-time primitive has no OS-level equivalent in Go. It is realized
// on the same channel as the message-port primitive — the callback is still
// invoked promptly — but tagged isIdle so the scheduler's arming policy can
// recognize and upgrade it when a higher-priority submission arrives. This
// is a deliberate, documented approximation: the one behavioral property
// the scheduler depends on is that relative upgrade, not absolute OS idle
// detection.
type hostCallbackHub struct {
	ch         chan uint64
	thunks     sync.Map // uint64 -> func()
	nextHandle atomic.Uint64
	done       chan struct{}
	closeOnce  sync.Once
}

// newHostCallbackHub creates a hub and starts its dispatcher goroutine.
func newHostCallbackHub() *hostCallbackHub {
	hub := &hostCallbackHub{
		ch:   make(chan uint64, 256),
		done: make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (hub *hostCallbackHub) run() {
	for {
		select {
		case handle := <-hub.ch:
			if thunk, ok := hub.thunks.LoadAndDelete(handle); ok {
				thunk.(func())()
			}
		case <-hub.done:
			return
		}
	}
}

// close stops the dispatcher goroutine. Idempotent.
func (hub *hostCallbackHub) close() {
	hub.closeOnce.Do(func() {
		close(hub.done)
	})
}

// schedule arms thunk on the primitive selected by the rule in §4.2: a
// positive delay always uses the millisecond-timer primitive regardless of
// priority; otherwise background priority uses the idle-time primitive and
// anything else uses the message-port primitive.
func (hub *hostCallbackHub) schedule(priority PriorityTag, delay int, thunk func()) *hostCallback {
	if delay > 0 {
		cb := &hostCallback{}
		cb.timer = time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
			if cb.cancelled.CompareAndSwap(false, true) {
				thunk()
			}
		})
		return cb
	}

	handle := hub.nextHandle.Add(1)
	cb := &hostCallback{hub: hub, handle: handle, idle: priority == PriorityBackground}
	hub.thunks.Store(handle, thunk)

	go func() {
		select {
		case hub.ch <- handle:
		case <-hub.done:
		}
	}()

	return cb
}
