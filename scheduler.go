package prioritask

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrReentrantRun is returned when Run is called from within the loop
	// goroutine itself (e.g. from a task callback).
	ErrReentrantRun = errors.New("prioritask: cannot call Run from within the scheduler's own loop goroutine")
	// ErrSchedulerAlreadyRunning is returned when Run is called while the
	// scheduler is already running.
	ErrSchedulerAlreadyRunning = errors.New("prioritask: scheduler is already running")
	// ErrSchedulerTerminated is returned by Run once the scheduler has fully
	// drained and stopped, and by Shutdown when the scheduler was already
	// shutting down (an earlier Shutdown or a cancelled Run context) and has
	// not yet reached StateTerminated.
	ErrSchedulerTerminated = errors.New("prioritask: scheduler has terminated")
)

// TaskOption configures a single submission to PostTask or Yield.
type TaskOption interface {
	applyTask(*taskOptions)
}

type taskOptions struct {
	priority PriorityTag
	signal   *PrioritySignal
	delay    int
}

type taskOptionFunc struct {
	fn func(*taskOptions)
}

func (o *taskOptionFunc) applyTask(opts *taskOptions) {
	o.fn(opts)
}

// WithTaskPriority overrides the effective priority of this submission,
// independent of anything carried by its signal.
func WithTaskPriority(tag PriorityTag) TaskOption {
	return &taskOptionFunc{func(opts *taskOptions) {
		opts.priority = tag
	}}
}

// WithSignal attaches a cancellation/priority signal to this submission.
func WithSignal(signal *PrioritySignal) TaskOption {
	return &taskOptionFunc{func(opts *taskOptions) {
		opts.signal = signal
	}}
}

// WithDelay sets a minimum delay, in milliseconds, before this submission
// becomes eligible for dispatch.
func WithDelay(ms int) TaskOption {
	return &taskOptionFunc{func(opts *taskOptions) {
		opts.delay = ms
	}}
}

// schedulerMetrics holds lightweight atomic counters, populated only when
// WithMetrics(true) is set.
type schedulerMetrics struct {
	tasksDispatched atomic.Uint64
	tasksAborted    atomic.Uint64
}

// Metrics is a point-in-time snapshot returned by Scheduler.Metrics.
type Metrics struct {
	TasksDispatched uint64
	TasksAborted    uint64
	QueueDepth      map[PriorityTag]int
}

// Scheduler owns per-priority queue pairs (one for continuations, one for
// fresh tasks), at most one pending dispatch-wakeup host callback, a weak
// registry of the signals it has subscribed to for priority changes, and
// the single loop goroutine that performs all dispatch.
//
// All exported methods are safe to call from any goroutine; dispatch itself
// — running a task's callback and settling its promise — happens only on
// the loop goroutine started by Run.
type Scheduler struct {
	mu              sync.Mutex
	queues          [3][2]queue // [priority rank][kind: 0=continuation, 1=fresh]
	pendingCallback *hostCallback

	hub      *hostCallbackHub
	registry *signalRegistry
	state    *FastState
	logger   Logger

	metricsEnabled bool
	metrics        schedulerMetrics

	loopGoroutineID atomic.Uint64
	wakeCh          chan struct{}
	loopDone        chan struct{}
	stopOnce        sync.Once
}

// NewScheduler creates a Scheduler. It does not start dispatching until Run
// is called.
func NewScheduler(opts ...SchedulerOption) (*Scheduler, error) {
	cfg, err := resolveSchedulerOptions(opts)
	if err != nil {
		return nil, err
	}

	logger := cfg.logger
	if logger == nil {
		logger = getGlobalLogger()
	}

	return &Scheduler{
		hub:            newHostCallbackHub(),
		registry:       newSignalRegistry(),
		state:          NewFastState(),
		logger:         logger,
		metricsEnabled: cfg.metricsEnabled,
		wakeCh:         make(chan struct{}, 1),
		loopDone:       make(chan struct{}),
	}, nil
}

// PostTask submits callback as a fresh task. It returns a *Promise that
// fulfils with callback's return value, or rejects with its returned error,
// a recovered panic, or the signal's abort reason — or a non-nil error if
// opts describe a type violation, detected and returned synchronously
// instead of being folded into the promise's rejection.
func (s *Scheduler) PostTask(callback func() (any, error), opts ...TaskOption) (*Promise, error) {
	return s.submit(callback, false, opts)
}

// Yield submits an empty continuation: equivalent to PostTask with a no-op
// callback and isContinuation = true, so it is dispatched before any fresh
// task at the same priority.
func (s *Scheduler) Yield(opts ...TaskOption) (*Promise, error) {
	return s.submit(nil, true, opts)
}

func (s *Scheduler) submit(callback func() (any, error), isContinuation bool, opts []TaskOption) (*Promise, error) {
	cfg := &taskOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt.applyTask(cfg)
		}
	}

	if cfg.priority != "" {
		if err := validatePriority(cfg.priority); err != nil {
			return nil, err
		}
	}
	if cfg.signal != nil {
		if err := validatePriority(cfg.signal.Priority()); err != nil {
			return nil, err
		}
	}
	if cfg.delay < 0 {
		return nil, &TypeError{Message: "prioritask: delay must not be negative"}
	}

	promise, resolve, reject := newPromise(s)

	task := &Task{
		Callback:         callback,
		resolve:          resolve,
		reject:           reject,
		explicitPriority: cfg.priority,
		signal:           cfg.signal,
		delay:            cfg.delay,
		isContinuation:   isContinuation,
	}

	// Step 5: already-aborted signal rejects immediately without enqueue.
	if cfg.signal != nil && cfg.signal.Aborted() {
		reject(cfg.signal.Reason())
		return promise, nil
	}

	// Step 6: single-shot abort listener.
	if cfg.signal != nil {
		task.abortUnsubscribe = s.attachAbortListener(task)
	}

	// Step 7: delayed submission arms its own timer and returns without
	// enqueuing.
	if cfg.delay > 0 {
		s.armDelay(task)
		return promise, nil
	}

	// Step 8: enqueue now and make sure a dispatch wakeup is armed.
	s.mu.Lock()
	s.enqueueLocked(task)
	s.armIfNeededLocked()
	s.mu.Unlock()
	s.wake()

	return promise, nil
}

// attachAbortListener registers the single-shot handler described in §4.3
// step 6 and returns a function that permanently detaches it. Because the
// underlying AbortSignal cannot remove a registered handler (Go function
// values aren't comparable), detachment is implemented as a one-way latch
// the handler consults before acting — the closure itself still lives as
// long as the signal does, but it becomes inert.
func (s *Scheduler) attachAbortListener(task *Task) func() {
	var detached atomic.Bool

	task.signal.OnAbort(func(reason any) {
		if !detached.CompareAndSwap(false, true) {
			return
		}
		s.mu.Lock()
		if task.pendingDelay != nil {
			task.pendingDelay.cancel()
			task.pendingDelay = nil
		}
		s.mu.Unlock()
		if s.metricsEnabled {
			s.metrics.tasksAborted.Add(1)
		}
		task.reject(reason)
	})

	return func() { detached.Store(true) }
}

// armDelay schedules task's delay timer. When it fires, it enqueues the
// now-ready task, cancels any pending dispatch-wakeup callback (a lower
// priority one may no longer be appropriate), and wakes the loop goroutine
// immediately rather than waiting for a separate arming round-trip — the
// delay-expired path described in §4.3.
func (s *Scheduler) armDelay(task *Task) {
	cb := s.hub.schedule(task.explicitPriority, task.delay, func() {
		s.mu.Lock()
		task.pendingDelay = nil
		if task.signal != nil && task.signal.Aborted() {
			s.mu.Unlock()
			return
		}
		s.enqueueLocked(task)
		if s.pendingCallback != nil {
			s.pendingCallback.cancel()
			s.pendingCallback = nil
		}
		s.mu.Unlock()
		s.wake()
	})

	s.mu.Lock()
	task.pendingDelay = cb
	s.mu.Unlock()
}

// enqueueLocked resolves task's effective priority, subscribes its signal
// to priority-change migration on first sight, and pushes it onto the
// matching queue pair. Must be called with s.mu held.
func (s *Scheduler) enqueueLocked(task *Task) {
	priority := s.resolvePriorityLocked(task)
	if task.signal != nil {
		s.subscribeLocked(task.signal)
	}

	kind := 1
	if task.isContinuation {
		kind = 0
	}
	s.queues[priority.rank()][kind].push(task)
}

// resolvePriorityLocked implements §4.4's resolution order: explicit option,
// then the signal's current priority, then the default middle tag. This is
// evaluated at enqueue time so a delayed task observes its signal's
// priority as of when it becomes ready, not as of submission.
func (s *Scheduler) resolvePriorityLocked(task *Task) PriorityTag {
	if task.explicitPriority != "" {
		return task.explicitPriority
	}
	if task.signal != nil {
		if p := task.signal.Priority(); p != "" {
			return p
		}
	}
	return PriorityUserVisible
}

// subscribeLocked attaches a prioritychange listener and records signal in
// the weak registry, exactly once per signal regardless of how many tasks
// reference it.
func (s *Scheduler) subscribeLocked(signal *PrioritySignal) {
	if !signal.subscribed.CompareAndSwap(false, true) {
		return
	}
	s.registry.track(signal)
	signal.OnPriorityChange(func(event *Event) {
		s.migrate(signal, PreviousPriority(event), signal.Priority())
	})
}

// migrate implements §4.5: when signal's priority changes from oldTag to
// newTag, every queued task carrying that signal is moved from
// queues[oldTag] to queues[newTag], kind by kind, preserving sequence-id
// order in the destination.
func (s *Scheduler) migrate(signal *PrioritySignal, oldTag, newTag PriorityTag) {
	oldRank, newRank := oldTag.rank(), newTag.rank()
	if oldRank < 0 || newRank < 0 || oldRank == newRank {
		return
	}

	s.mu.Lock()
	belongsToSignal := func(t *Task) bool { return t.signal == signal }
	for kind := 0; kind < 2; kind++ {
		s.queues[newRank][kind].merge(&s.queues[oldRank][kind], belongsToSignal)
	}
	s.armIfNeededLocked()
	s.mu.Unlock()

	s.wake()
}

// highestNonEmptyLocked returns the highest priority tag with a non-empty
// queue pair, and whether any exists at all. Must be called with s.mu held.
func (s *Scheduler) highestNonEmptyLocked() (PriorityTag, bool) {
	for _, tag := range priorityOrder {
		r := tag.rank()
		if !s.queues[r][0].empty() || !s.queues[r][1].empty() {
			return tag, true
		}
	}
	return "", false
}

// armIfNeededLocked is "scheduleHostCallbackIfNeeded" from §4.3: it upgrades
// a too-lazy idle-primitive callback when a non-background queue has become
// non-empty, then arms a fresh dispatch-wakeup callback if none is pending.
// Must be called with s.mu held.
func (s *Scheduler) armIfNeededLocked() {
	highest, ok := s.highestNonEmptyLocked()
	if !ok {
		return
	}

	if s.pendingCallback != nil && s.pendingCallback.isIdleCallback() && highest != PriorityBackground {
		s.pendingCallback.cancel()
		s.pendingCallback = nil
	}

	if s.pendingCallback == nil {
		s.pendingCallback = s.hub.schedule(highest, 0, func() { s.wake() })
	}
}

// takeHeadLocked scans priorities highest to lowest and, within a priority,
// continuations (kind 0) before fresh tasks (kind 1), returning the first
// task found. Must be called with s.mu held.
func (s *Scheduler) takeHeadLocked() *Task {
	for _, tag := range priorityOrder {
		r := tag.rank()
		if t := s.queues[r][0].takeNext(); t != nil {
			return t
		}
		if t := s.queues[r][1].takeNext(); t != nil {
			return t
		}
	}
	return nil
}

// runOneTask implements §4.6's run-one-task routine: it repeatedly takes the
// globally-next task, silently discarding any whose signal has already
// aborted (their promise was already rejected by the abort listener), until
// it finds one to actually dispatch or the queues run dry.
func (s *Scheduler) runOneTask() {
	for {
		s.mu.Lock()
		task := s.takeHeadLocked()
		s.mu.Unlock()

		if task == nil {
			return
		}
		if task.signal != nil && task.signal.Aborted() {
			continue
		}
		s.dispatch(task)
		return
	}
}

// dispatch invokes task's callback synchronously (on the loop goroutine),
// detaching its abort listener first so a subsequent abort cannot race the
// settlement, then settles its promise with the callback's result or error.
func (s *Scheduler) dispatch(task *Task) {
	if task.abortUnsubscribe != nil {
		task.abortUnsubscribe()
	}

	result, err := s.safeInvoke(task)

	if s.metricsEnabled {
		s.metrics.tasksDispatched.Add(1)
	}

	if err != nil {
		task.reject(err)
		return
	}
	task.resolve(result)
}

// safeInvoke runs task.Callback, recovering a panic into a *PanicError so a
// misbehaving callback can never crash the loop goroutine — it is isolated
// to its own task's rejection.
func (s *Scheduler) safeInvoke(task *Task) (result any, err error) {
	if task.Callback == nil {
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			err = &PanicError{Value: r, Stack: stack}
			s.logger.Log(LogEntry{
				Level:    LevelError,
				Category: "dispatch",
				Message:  "task callback panicked",
				Err:      err,
			})
		}
	}()

	return task.Callback()
}

// wake requests one loop iteration. It is safe to call from any goroutine
// and coalesces: multiple wakes before the loop goroutine observes one are
// equivalent to a single wake.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run starts the scheduler's loop goroutine and blocks until ctx is
// cancelled or Shutdown completes the drain sequence.
//
// Calling Run from within the loop goroutine itself — e.g. from a task
// callback — returns ErrReentrantRun without blocking.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.isLoopThread() {
		return ErrReentrantRun
	}

	if !s.state.TryTransition(StateAwake, StateRunning) {
		if s.state.Load() == StateTerminated {
			return ErrSchedulerTerminated
		}
		return ErrSchedulerAlreadyRunning
	}

	defer close(s.loopDone)

	s.loopGoroutineID.Store(getGoroutineID())
	defer s.loopGoroutineID.Store(0)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.beginTerminating()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		switch s.state.Load() {
		case StateTerminating, StateTerminated:
			s.drain()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		s.state.TryTransition(StateRunning, StateSleeping)
		select {
		case <-s.wakeCh:
		case <-ctx.Done():
		}
		s.state.TransitionAny([]RunState{StateSleeping, StateRunning}, StateRunning)

		s.mu.Lock()
		s.pendingCallback = nil
		s.mu.Unlock()

		s.runOneTask()

		s.mu.Lock()
		s.armIfNeededLocked()
		s.mu.Unlock()

		if s.metricsEnabled {
			s.registry.Scavenge(64)
		}
	}
}

// beginTerminating transitions the scheduler into StateTerminating from
// whatever state it is currently in (unless already terminating/terminated)
// and wakes the loop goroutine so it notices promptly.
func (s *Scheduler) beginTerminating() {
	for {
		cur := s.state.Load()
		if cur == StateTerminating || cur == StateTerminated {
			return
		}
		if s.state.TryTransition(cur, StateTerminating) {
			s.wake()
			return
		}
	}
}

// Shutdown initiates a graceful shutdown: the scheduler stops accepting new
// dispatch-wakeups from external arming and drains every queued task (each
// still runs to completion or is discarded as aborted) before returning. It
// blocks until the drain completes or ctx expires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	var result error
	s.stopOnce.Do(func() {
		result = s.shutdownImpl(ctx)
	})
	if result == nil && s.state.Load() != StateTerminated {
		return ErrSchedulerTerminated
	}
	return result
}

func (s *Scheduler) shutdownImpl(ctx context.Context) error {
	for {
		cur := s.state.Load()
		if cur == StateTerminated || cur == StateTerminating {
			return nil
		}
		if s.state.TryTransition(cur, StateTerminating) {
			if cur == StateAwake {
				s.state.Store(StateTerminated)
				s.hub.close()
				return nil
			}
			s.wake()
			break
		}
	}

	select {
	case <-s.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain runs every remaining queued task to completion (or discards it as
// aborted) before marking the scheduler Terminated. It stops once several
// consecutive passes find nothing left, matching the teacher's
// drain-until-empty shutdown discipline.
func (s *Scheduler) drain() {
	const requiredEmptyPasses = 3
	emptyPasses := 0

	for emptyPasses < requiredEmptyPasses {
		s.mu.Lock()
		task := s.takeHeadLocked()
		s.mu.Unlock()

		if task == nil {
			emptyPasses++
			runtime.Gosched()
			continue
		}
		emptyPasses = 0

		if task.signal != nil && task.signal.Aborted() {
			continue
		}
		s.dispatch(task)
	}

	s.state.Store(StateTerminated)
	s.hub.close()
}

// Metrics returns a point-in-time snapshot of dispatch counters and current
// queue depths. The TasksDispatched and TasksAborted counters are only
// populated when the scheduler was created with WithMetrics(true) and are
// zero otherwise; QueueDepth is always reported.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	depth := make(map[PriorityTag]int, len(priorityOrder))
	for _, tag := range priorityOrder {
		r := tag.rank()
		depth[tag] = s.queues[r][0].len() + s.queues[r][1].len()
	}
	s.mu.Unlock()

	return Metrics{
		TasksDispatched: s.metrics.tasksDispatched.Load(),
		TasksAborted:    s.metrics.tasksAborted.Load(),
		QueueDepth:      depth,
	}
}

// isLoopThread reports whether the calling goroutine is the scheduler's own
// loop goroutine.
func (s *Scheduler) isLoopThread() bool {
	loopID := s.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's runtime id, parsed out of
// the debug stack header. Used only for the thread-affinity assertion
// above; never for scheduling decisions.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
