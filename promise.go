package prioritask

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PromiseState is the lifecycle state of a Promise. It starts Pending and
// transitions, irreversibly, to either Fulfilled or Rejected.
type PromiseState int32

const (
	Pending PromiseState = iota
	Fulfilled
	Rejected
)

func (s PromiseState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// handler is a reaction attached via Then/Catch/Finally, settling target
// when the parent promise settles. signal is non-nil only for a reaction
// chained from a PrioritizedPromise, and its current priority (read fresh at
// dispatch time, not captured at attach time) governs the priority the
// reaction task is submitted at.
type handler struct {
	onFulfilled func(any) (any, error)
	onRejected  func(any) any
	target      *Promise
	signal      *PrioritySignal
}

// Promise is a single settleable value. resolve and reject update its state
// on the goroutine that calls them; every reaction attached via
// Then/Catch/Finally is then run by submitting a task to the owning
// scheduler, so reactions execute on the loop goroutine exactly like any
// other dispatched callback.
type Promise struct {
	scheduler *Scheduler

	state atomic.Int32

	mu       sync.Mutex
	value    any
	reason   any
	h0       handler
	h0Used   bool
	handlers []handler
}

// newPromise creates a pending Promise bound to scheduler, along with the
// resolve and reject handles used to settle it. Both handles may be called
// from any goroutine; only the first call on either has an effect.
//
// If scheduler is nil, reactions run synchronously and inline on whichever
// goroutine calls resolve or reject instead of being submitted as tasks.
func newPromise(scheduler *Scheduler) (p *Promise, resolve func(any), reject func(any)) {
	p = &Promise{scheduler: scheduler}
	return p, p.resolve, p.reject
}

// State returns the promise's current settlement state.
func (p *Promise) State() PromiseState {
	return PromiseState(p.state.Load())
}

// Value returns the fulfillment value, or nil if pending or rejected.
func (p *Promise) Value() any {
	if p.State() == Fulfilled {
		return p.value
	}
	return nil
}

// Reason returns the rejection reason, or nil if pending or fulfilled.
func (p *Promise) Reason() any {
	if p.State() == Rejected {
		return p.reason
	}
	return nil
}

func (p *Promise) resolve(value any) {
	if inner, ok := value.(*Promise); ok {
		if inner == p {
			p.reject(&TypeError{Message: "chaining cycle: a promise cannot resolve with itself"})
			return
		}
		inner.addHandler(handler{target: p})
		return
	}

	p.mu.Lock()
	if PromiseState(p.state.Load()) != Pending {
		p.mu.Unlock()
		return
	}
	h0, useH0, handlers := p.h0, p.h0Used, p.handlers
	p.h0, p.h0Used, p.handlers = handler{}, false, nil
	p.value = value
	p.state.Store(int32(Fulfilled))
	p.mu.Unlock()

	if useH0 {
		p.runReaction(h0, Fulfilled, value)
	}
	for _, h := range handlers {
		p.runReaction(h, Fulfilled, value)
	}
}

func (p *Promise) reject(reason any) {
	p.mu.Lock()
	if PromiseState(p.state.Load()) != Pending {
		p.mu.Unlock()
		return
	}
	h0, useH0, handlers := p.h0, p.h0Used, p.handlers
	p.h0, p.h0Used, p.handlers = handler{}, false, nil
	p.reason = reason
	p.state.Store(int32(Rejected))
	p.mu.Unlock()

	if useH0 {
		p.runReaction(h0, Rejected, reason)
	}
	for _, h := range handlers {
		p.runReaction(h, Rejected, reason)
	}
}

// addHandler attaches h, running it immediately (via a dispatched task) if
// the promise is already settled, or storing it for later otherwise.
func (p *Promise) addHandler(h handler) {
	state := PromiseState(p.state.Load())
	if state != Pending {
		var result any
		if state == Fulfilled {
			result = p.value
		} else {
			result = p.reason
		}
		p.runReaction(h, state, result)
		return
	}

	p.mu.Lock()
	state = PromiseState(p.state.Load())
	if state != Pending {
		p.mu.Unlock()
		var result any
		if state == Fulfilled {
			result = p.value
		} else {
			result = p.reason
		}
		p.runReaction(h, state, result)
		return
	}
	if !p.h0Used {
		p.h0, p.h0Used = h, true
	} else {
		p.handlers = append(p.handlers, h)
	}
	p.mu.Unlock()
}

// runReaction executes h's appropriate callback for state, settling
// h.target with the outcome. If the promise has a scheduler, the reaction
// runs as a dispatched task so it always executes on the loop goroutine;
// otherwise it runs synchronously and inline. A plain Promise reaction (no
// h.signal) dispatches at background priority; a reaction chained from a
// PrioritizedPromise dispatches at h.signal's current priority, with the
// signal attached so a SetPriority made before dispatch is picked up and one
// made after the reaction is already queued still migrates it.
func (p *Promise) runReaction(h handler, state PromiseState, result any) {
	run := func() {
		p.executeReaction(h, state, result)
	}
	if p.scheduler == nil {
		run()
		return
	}
	priority := PriorityBackground
	opts := []TaskOption{}
	if h.signal != nil {
		priority = h.signal.Priority()
		opts = append(opts, WithSignal(h.signal))
	}
	opts = append(opts, WithTaskPriority(priority))
	_, _ = p.scheduler.PostTask(func() (any, error) {
		run()
		return nil, nil
	}, opts...)
}

func (p *Promise) executeReaction(h handler, state PromiseState, result any) {
	if state == Fulfilled {
		if h.onFulfilled == nil {
			if h.target != nil {
				h.target.resolve(result)
			}
			return
		}
		defer func() {
			if r := recover(); r != nil {
				if h.target != nil {
					h.target.reject(&PanicError{Value: r})
				}
			}
		}()
		v, err := h.onFulfilled(result)
		if err != nil {
			if h.target != nil {
				h.target.reject(err)
			}
			return
		}
		if h.target != nil {
			h.target.resolve(v)
		}
		return
	}

	if h.onRejected == nil {
		if h.target != nil {
			h.target.reject(result)
		}
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if h.target != nil {
				h.target.reject(&PanicError{Value: r})
			}
		}
	}()
	v := h.onRejected(result)
	if h.target != nil {
		h.target.resolve(v)
	}
}

// Then attaches fulfillment and rejection reactions, returning a new
// Promise that settles with their outcome. Either callback may be nil, in
// which case its settlement passes through unchanged.
func (p *Promise) Then(onFulfilled func(any) (any, error), onRejected func(any) any) *Promise {
	child, _, _ := newPromise(p.scheduler)
	p.addHandler(handler{onFulfilled: onFulfilled, onRejected: onRejected, target: child})
	return child
}

// Catch attaches a rejection reaction only. Equivalent to Then(nil, onRejected).
func (p *Promise) Catch(onRejected func(any) any) *Promise {
	return p.Then(nil, onRejected)
}

// Finally attaches a reaction that runs regardless of settlement outcome
// and does not alter it: the returned Promise settles identically to p,
// after onFinally has run. A panic inside onFinally is discarded; it never
// changes the propagated settlement.
func (p *Promise) Finally(onFinally func()) *Promise {
	child, _, _ := newPromise(p.scheduler)
	if onFinally == nil {
		onFinally = func() {}
	}

	runThenSettle := func(result any, rejected bool) {
		defer func() {
			recover()
			if rejected {
				child.reject(result)
			} else {
				child.resolve(result)
			}
		}()
		onFinally()
	}

	p.addHandler(handler{
		onFulfilled: func(v any) (any, error) {
			runThenSettle(v, false)
			return nil, nil
		},
		onRejected: func(r any) any {
			runThenSettle(r, true)
			return nil
		},
	})
	return child
}

// PrioritizedPromise wraps a Promise together with the PriorityController
// that governs the priority at which its settlement, and every continuation
// chained from it via Then/Catch/Finally, is dispatched. It does not
// subclass Promise (Go has no such mechanism); it composes one, keeping the
// inner promise private and exposing only the prioritized surface.
type PrioritizedPromise struct {
	scheduler  *Scheduler
	controller *PriorityController
	inner      *Promise
}

// Executor is the function passed to NewPrioritizedPromise. resolve and
// reject settle the promise by submitting a task to the scheduler at the
// controller's current priority, using the controller's signal — so an
// abort on the controller before settlement rejects with the controller's
// abort reason instead.
type Executor func(resolve func(any), reject func(any))

// NewPrioritizedPromise creates a PrioritizedPromise bound to scheduler,
// running executor synchronously on the calling goroutine (matching Promise
// construction semantics generally) but deferring the resolve/reject handles
// it receives so that settlement itself always happens as a dispatched task
// at the controller's priority. If controller is nil, a fresh controller is
// created at the process-wide default priority ([DefaultControllerOptions]).
func NewPrioritizedPromise(scheduler *Scheduler, executor Executor, controller *PriorityController) *PrioritizedPromise {
	if controller == nil {
		controller = NewPriorityController(WithPriority(DefaultControllerOptions()))
	}

	inner, resolveInner, rejectInner := newPromise(scheduler)
	pp := &PrioritizedPromise{scheduler: scheduler, controller: controller, inner: inner}

	signal := controller.Signal()
	if signal.Aborted() {
		rejectInner(signal.Reason())
		return pp
	}

	settle := func(fn func()) {
		task, err := scheduler.PostTask(func() (any, error) {
			fn()
			return nil, nil
		}, WithTaskPriority(signal.Priority()), WithSignal(signal))
		if err != nil {
			return
		}
		// An abort before the settlement task runs rejects that task with the
		// abort reason; forward it so the promise rejects the same way.
		task.addHandler(handler{onRejected: func(r any) any {
			rejectInner(r)
			return nil
		}})
	}

	resolve := func(value any) { settle(func() { resolveInner(value) }) }
	reject := func(reason any) { settle(func() { rejectInner(reason) }) }

	func() {
		defer func() {
			if r := recover(); r != nil {
				reject(&PanicError{Value: r})
			}
		}()
		executor(resolve, reject)
	}()

	return pp
}

// Controller returns the controller shared by this promise and every
// continuation chained from it.
func (pp *PrioritizedPromise) Controller() *PriorityController {
	return pp.controller
}

// State, Value, and Reason forward to the wrapped Promise.
func (pp *PrioritizedPromise) State() PromiseState { return pp.inner.State() }
func (pp *PrioritizedPromise) Value() any          { return pp.inner.Value() }
func (pp *PrioritizedPromise) Reason() any          { return pp.inner.Reason() }

// chain wraps child, a continuation of pp.inner, so it shares pp's
// controller — the invariant that every member of a chain produced by
// Then/Catch/Finally on a PrioritizedPromise uses the same controller
// instance.
func (pp *PrioritizedPromise) chain(child *Promise) *PrioritizedPromise {
	return &PrioritizedPromise{scheduler: pp.scheduler, controller: pp.controller, inner: child}
}

// Then attaches reactions dispatched at the controller's priority, sharing
// the same controller with the returned PrioritizedPromise. Unlike
// Promise.Then, the reaction's dispatch priority is read from the
// controller's signal at the moment it actually runs, so a SetPriority call
// made any time before settlement reprioritizes it.
func (pp *PrioritizedPromise) Then(onFulfilled func(any) (any, error), onRejected func(any) any) *PrioritizedPromise {
	child, _, _ := newPromise(pp.scheduler)
	pp.inner.addHandler(handler{
		onFulfilled: onFulfilled,
		onRejected:  onRejected,
		target:      child,
		signal:      pp.controller.Signal(),
	})
	return pp.chain(child)
}

// Catch attaches a rejection reaction only, sharing the same controller.
// Equivalent to Then(nil, onRejected).
func (pp *PrioritizedPromise) Catch(onRejected func(any) any) *PrioritizedPromise {
	return pp.Then(nil, onRejected)
}

// Finally attaches a cleanup reaction, sharing the same controller and
// dispatched at its priority exactly like Then.
func (pp *PrioritizedPromise) Finally(onFinally func()) *PrioritizedPromise {
	child, _, _ := newPromise(pp.scheduler)
	if onFinally == nil {
		onFinally = func() {}
	}

	runThenSettle := func(result any, rejected bool) {
		defer func() {
			recover()
			if rejected {
				child.reject(result)
			} else {
				child.resolve(result)
			}
		}()
		onFinally()
	}

	pp.inner.addHandler(handler{
		onFulfilled: func(v any) (any, error) {
			runThenSettle(v, false)
			return nil, nil
		},
		onRejected: func(r any) any {
			runThenSettle(r, true)
			return nil
		},
		signal: pp.controller.Signal(),
	})
	return pp.chain(child)
}

// ResolvedPromise returns a PrioritizedPromise that fulfils with value once
// its settlement task is dispatched, using a fresh controller at the given
// priority.
func ResolvedPromise(scheduler *Scheduler, priority PriorityTag, value any) *PrioritizedPromise {
	return NewPrioritizedPromise(scheduler, func(resolve func(any), reject func(any)) {
		resolve(value)
	}, NewPriorityController(WithPriority(priority)))
}

// RejectedPromise returns a PrioritizedPromise that rejects with reason once
// its settlement task is dispatched, using a fresh controller at the given
// priority.
func RejectedPromise(scheduler *Scheduler, priority PriorityTag, reason any) *PrioritizedPromise {
	return NewPrioritizedPromise(scheduler, func(resolve func(any), reject func(any)) {
		reject(reason)
	}, NewPriorityController(WithPriority(priority)))
}

// TryPromise runs fn synchronously and returns a PrioritizedPromise that
// settles with its outcome (including a recovered panic) once the settlement
// task is dispatched, the prioritized analogue of Promise.try.
func TryPromise(scheduler *Scheduler, priority PriorityTag, fn func() (any, error)) *PrioritizedPromise {
	return NewPrioritizedPromise(scheduler, func(resolve func(any), reject func(any)) {
		defer func() {
			if r := recover(); r != nil {
				reject(&PanicError{Value: r})
			}
		}()
		v, err := fn()
		if err != nil {
			reject(err)
			return
		}
		resolve(v)
	}, NewPriorityController(WithPriority(priority)))
}

// SettledResult is the per-member outcome recorded by AllSettledPromises.
type SettledResult struct {
	Status PromiseState
	Value  any
	Reason any
}

// AllPromises waits for every member to fulfil, resolving with their values
// in input order, or rejects as soon as any member rejects (with that
// member's reason). The returned promise gets a fresh controller at
// priority; each member keeps its own controller.
func AllPromises(scheduler *Scheduler, priority PriorityTag, members []*PrioritizedPromise) *PrioritizedPromise {
	return NewPrioritizedPromise(scheduler, func(resolve func(any), reject func(any)) {
		if len(members) == 0 {
			resolve([]any{})
			return
		}
		values := make([]any, len(members))
		var mu sync.Mutex
		remaining := len(members)
		var done atomic.Bool

		for i, m := range members {
			i := i
			m.inner.addHandler(handler{
				onFulfilled: func(v any) (any, error) {
					mu.Lock()
					values[i] = v
					remaining--
					allDone := remaining == 0
					mu.Unlock()
					if allDone && done.CompareAndSwap(false, true) {
						resolve(values)
					}
					return nil, nil
				},
				onRejected: func(r any) any {
					if done.CompareAndSwap(false, true) {
						reject(r)
					}
					return nil
				},
			})
		}
	}, NewPriorityController(WithPriority(priority)))
}

// AllSettledPromises waits for every member to settle, one way or the
// other, and resolves with a []SettledResult in input order. It never
// rejects.
func AllSettledPromises(scheduler *Scheduler, priority PriorityTag, members []*PrioritizedPromise) *PrioritizedPromise {
	return NewPrioritizedPromise(scheduler, func(resolve func(any), reject func(any)) {
		if len(members) == 0 {
			resolve([]SettledResult{})
			return
		}
		results := make([]SettledResult, len(members))
		var mu sync.Mutex
		remaining := len(members)

		for i, m := range members {
			i := i
			m.inner.addHandler(handler{
				onFulfilled: func(v any) (any, error) {
					mu.Lock()
					results[i] = SettledResult{Status: Fulfilled, Value: v}
					remaining--
					allDone := remaining == 0
					mu.Unlock()
					if allDone {
						resolve(results)
					}
					return nil, nil
				},
				onRejected: func(r any) any {
					mu.Lock()
					results[i] = SettledResult{Status: Rejected, Reason: r}
					remaining--
					allDone := remaining == 0
					mu.Unlock()
					if allDone {
						resolve(results)
					}
					return nil
				},
			})
		}
	}, NewPriorityController(WithPriority(priority)))
}

// RacePromises resolves or rejects with the outcome of whichever member
// settles first.
func RacePromises(scheduler *Scheduler, priority PriorityTag, members []*PrioritizedPromise) *PrioritizedPromise {
	return NewPrioritizedPromise(scheduler, func(resolve func(any), reject func(any)) {
		var done atomic.Bool
		for _, m := range members {
			m.inner.addHandler(handler{
				onFulfilled: func(v any) (any, error) {
					if done.CompareAndSwap(false, true) {
						resolve(v)
					}
					return nil, nil
				},
				onRejected: func(r any) any {
					if done.CompareAndSwap(false, true) {
						reject(r)
					}
					return nil
				},
			})
		}
	}, NewPriorityController(WithPriority(priority)))
}

// AnyPromises resolves with the first member to fulfil, or rejects with an
// *AggregateError collecting every member's reason if all of them reject.
func AnyPromises(scheduler *Scheduler, priority PriorityTag, members []*PrioritizedPromise) *PrioritizedPromise {
	return NewPrioritizedPromise(scheduler, func(resolve func(any), reject func(any)) {
		if len(members) == 0 {
			reject(&AggregateError{Errors: nil})
			return
		}
		reasons := make([]error, len(members))
		var mu sync.Mutex
		remaining := len(members)
		var done atomic.Bool

		for i, m := range members {
			i := i
			m.inner.addHandler(handler{
				onFulfilled: func(v any) (any, error) {
					if done.CompareAndSwap(false, true) {
						resolve(v)
					}
					return nil, nil
				},
				onRejected: func(r any) any {
					mu.Lock()
					reasons[i] = toError(r)
					remaining--
					allDone := remaining == 0
					mu.Unlock()
					if allDone && done.CompareAndSwap(false, true) {
						reject(&AggregateError{Errors: reasons})
					}
					return nil
				},
			})
		}
	}, NewPriorityController(WithPriority(priority)))
}

// toError coerces an arbitrary rejection reason into an error, wrapping
// non-error values so AggregateError's Errors slice is always usable with
// errors.Is/errors.As.
func toError(reason any) error {
	if err, ok := reason.(error); ok {
		return err
	}
	return fmt.Errorf("%v", reason)
}

// WithResolvers returns a pending PrioritizedPromise together with its
// resolve and reject handles, mirroring Promise.withResolvers.
func WithResolvers(scheduler *Scheduler, controller *PriorityController) (pp *PrioritizedPromise, resolve func(any), reject func(any)) {
	var capturedResolve, capturedReject func(any)
	pp = NewPrioritizedPromise(scheduler, func(resolve func(any), reject func(any)) {
		capturedResolve, capturedReject = resolve, reject
	}, controller)
	return pp, capturedResolve, capturedReject
}
