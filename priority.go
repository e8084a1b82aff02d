package prioritask

import (
	"sync"
	"sync/atomic"
)

// PriorityTag is one of the three priority levels a task or signal can
// carry, ordered from highest to lowest dispatch precedence.
type PriorityTag string

const (
	// PriorityUserBlocking is the highest priority: work the user is
	// directly waiting on.
	PriorityUserBlocking PriorityTag = "user-blocking"
	// PriorityUserVisible is the middle priority and the default when none
	// is specified.
	PriorityUserVisible PriorityTag = "user-visible"
	// PriorityBackground is the lowest priority: deferrable work.
	PriorityBackground PriorityTag = "background"
)

// priorityOrder lists every known tag from highest to lowest precedence; its
// index is used throughout the scheduler to index into per-priority queue
// arrays.
var priorityOrder = [...]PriorityTag{PriorityUserBlocking, PriorityUserVisible, PriorityBackground}

// rank returns p's index into priorityOrder, or -1 if p is not a known tag.
func (p PriorityTag) rank() int {
	for i, tag := range priorityOrder {
		if tag == p {
			return i
		}
	}
	return -1
}

// valid reports whether p is one of the three known priority tags.
func (p PriorityTag) valid() bool {
	return p.rank() >= 0
}

// validatePriority returns a *RangeError if tag is non-empty and not one of
// the three known priority tags.
func validatePriority(tag PriorityTag) error {
	if tag == "" || tag.valid() {
		return nil
	}
	return &RangeError{Message: "unknown priority tag: " + string(tag)}
}

// controllerOptions configures a new PriorityController.
type controllerOptions struct {
	priority PriorityTag
}

// ControllerOption configures a PriorityController at construction.
type ControllerOption interface {
	applyController(*controllerOptions)
}

type controllerOptionFunc struct {
	fn func(*controllerOptions)
}

func (o *controllerOptionFunc) applyController(opts *controllerOptions) {
	o.fn(opts)
}

// WithPriority sets the initial priority of a new controller's signal. tag
// must be one of the three known priority tags or the empty string (meaning
// "leave the default in place"); an unrecognized tag is ignored rather than
// stored, the same way an invalid enumerated attribute on a web platform
// options bag falls back to its default instead of taking effect.
func WithPriority(tag PriorityTag) ControllerOption {
	return &controllerOptionFunc{func(opts *controllerOptions) {
		if tag.valid() {
			opts.priority = tag
		}
	}}
}

// PrioritySignal extends a base cancellation signal with a mutable priority
// attribute and a prioritychange event, by composition rather than by
// mutating the base signal's type — the base AbortSignal is embedded as a
// private field and its aborted/reason/listener surface is forwarded
// verbatim.
type PrioritySignal struct {
	base   *AbortSignal
	events *EventTarget

	mu       sync.Mutex
	priority PriorityTag

	// subscribed marks whether the scheduler has already attached a
	// prioritychange listener and recorded this signal in its weak
	// registry; guards against double-subscription on repeated use of the
	// same signal across many submissions.
	subscribed atomic.Bool
}

// Aborted reports whether the underlying signal has been aborted.
func (s *PrioritySignal) Aborted() bool {
	return s.base.Aborted()
}

// Reason returns the abort reason, forwarded from the underlying signal.
func (s *PrioritySignal) Reason() any {
	return s.base.Reason()
}

// OnAbort registers a handler for abortion, forwarded to the underlying
// signal.
func (s *PrioritySignal) OnAbort(handler func(reason any)) {
	s.base.OnAbort(handler)
}

// ThrowIfAborted returns a non-nil *AbortError if the signal is aborted.
func (s *PrioritySignal) ThrowIfAborted() error {
	return s.base.ThrowIfAborted()
}

// Priority returns the signal's current priority tag.
func (s *PrioritySignal) Priority() PriorityTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// OnPriorityChange registers a listener for the signal's "prioritychange"
// event. The dispatched Event's detail is the previous PriorityTag,
// retrievable via [PreviousPriority].
func (s *PrioritySignal) OnPriorityChange(listener EventListenerFunc) ListenerID {
	return s.events.AddEventListener("prioritychange", listener)
}

// RemovePriorityChangeListener removes a listener registered via
// OnPriorityChange.
func (s *PrioritySignal) RemovePriorityChangeListener(id ListenerID) bool {
	return s.events.RemoveEventListenerByID("prioritychange", id)
}

// PreviousPriority extracts the previous priority carried as an Event's
// detail by a dispatched "prioritychange" event.
func PreviousPriority(event *Event) PriorityTag {
	if tag, ok := event.Detail().(PriorityTag); ok {
		return tag
	}
	return ""
}

// PriorityController owns a PrioritySignal and is the only thing that may
// mutate its priority or abort it. It extends a base cancellation
// controller, per the DOM AbortController/AbortSignal relationship.
type PriorityController struct {
	base   *AbortController
	signal *PrioritySignal

	// dispatching guards against a reentrant SetPriority call made from
	// within a prioritychange listener invoked by this same controller.
	dispatching atomic.Bool
}

// NewPriorityController creates a controller with a fresh signal. The
// default initial priority is [PriorityUserVisible] unless overridden by
// [WithPriority].
func NewPriorityController(opts ...ControllerOption) *PriorityController {
	cfg := &controllerOptions{priority: PriorityUserVisible}
	for _, opt := range opts {
		if opt != nil {
			opt.applyController(cfg)
		}
	}
	base := NewAbortController()
	return &PriorityController{
		base: base,
		signal: &PrioritySignal{
			base:     base.Signal(),
			events:   NewEventTarget(),
			priority: cfg.priority,
		},
	}
}

// Signal returns the controller's PrioritySignal. Always the same instance.
func (c *PriorityController) Signal() *PrioritySignal {
	return c.signal
}

// Abort aborts the controller's signal with the given reason.
func (c *PriorityController) Abort(reason any) {
	c.base.Abort(reason)
}

// SetPriority validates tag, then — if it differs from the signal's current
// priority — updates it and dispatches a "prioritychange" event carrying the
// previous priority as the event's detail. A no-op (no dispatch) if tag
// equals the current priority.
//
// SetPriority is non-reentrant per controller: a nested call made from
// within a "prioritychange" listener invoked by this same call returns a
// *DisallowedOperationError.
func (c *PriorityController) SetPriority(tag PriorityTag) error {
	if err := validatePriority(tag); err != nil {
		return err
	}
	if tag == "" {
		tag = PriorityUserVisible
	}

	if !c.dispatching.CompareAndSwap(false, true) {
		return &DisallowedOperationError{Message: "setPriority called reentrantly from a prioritychange listener"}
	}
	defer c.dispatching.Store(false)

	s := c.signal
	s.mu.Lock()
	previous := s.priority
	if previous == tag {
		s.mu.Unlock()
		return nil
	}
	s.priority = tag
	s.mu.Unlock()

	event := &Event{Type: "prioritychange", detail: previous}
	s.events.DispatchEvent(event)
	return nil
}

// defaultControllerOptionsState is process-wide state governing the default
// controller used by PrioritizedPromise when no controller is supplied,
// initially {priority: background}. Callers may replace the whole record at
// any time via [SetDefaultControllerOptions].
var defaultControllerOptionsState struct {
	mu       sync.RWMutex
	priority PriorityTag
}

func init() {
	defaultControllerOptionsState.priority = PriorityBackground
}

// SetDefaultControllerOptions replaces the process-wide default priority
// used to construct a fresh controller when a PrioritizedPromise is created
// without one.
func SetDefaultControllerOptions(priority PriorityTag) error {
	if err := validatePriority(priority); err != nil {
		return err
	}
	if priority == "" {
		priority = PriorityBackground
	}
	defaultControllerOptionsState.mu.Lock()
	defaultControllerOptionsState.priority = priority
	defaultControllerOptionsState.mu.Unlock()
	return nil
}

// DefaultControllerOptions returns the current process-wide default
// priority.
func DefaultControllerOptions() PriorityTag {
	defaultControllerOptionsState.mu.RLock()
	defer defaultControllerOptionsState.mu.RUnlock()
	return defaultControllerOptionsState.priority
}
