package prioritask

import (
	"sync/atomic"
)

// RunState represents the current state of the scheduler's loop goroutine.
//
// State Machine:
//
//	StateAwake (0) → StateRunning (3)       [Run()]
//	StateRunning (3) → StateSleeping (2)    [blocked waiting on the pending host callback]
//	StateRunning (3) → StateTerminating (4) [Shutdown()]
//	StateSleeping (2) → StateRunning (3)    [host callback fires]
//	StateSleeping (2) → StateTerminating (4) [Shutdown()]
//	StateTerminating (4) → StateTerminated (1) [drain complete]
//	StateTerminated (1) → (terminal)
//
// State Transition Rules:
//   - Use TryTransition (CAS) for temporary states (Running, Sleeping).
//   - Use Store for the irreversible terminal state.
//   - Storing Running or Sleeping directly breaks the CAS logic; don't.
type RunState uint64

const (
	// StateAwake indicates the scheduler has been created but Run has not
	// yet been called.
	StateAwake RunState = 0
	// StateTerminated indicates the scheduler has fully drained and stopped.
	StateTerminated RunState = 1
	// StateSleeping indicates the loop goroutine is blocked waiting for the
	// single pending host callback to fire.
	StateSleeping RunState = 2
	// StateRunning indicates the loop goroutine is actively dispatching a
	// task.
	StateRunning RunState = 3
	// StateTerminating indicates Shutdown has been requested but the drain
	// sequence has not yet completed.
	StateTerminating RunState = 4
)

// String returns a human-readable representation of the state.
func (s RunState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine, backed by a single atomic word.
type FastState struct {
	v atomic.Uint64
}

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *FastState) Load() RunState {
	return RunState(s.v.Load())
}

// Store atomically stores a new state, bypassing transition validation. Only
// used for the irreversible terminal state.
func (s *FastState) Store(state RunState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *FastState) TryTransition(from, to RunState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts to transition from any of several valid source
// states to the target. Returns true if the transition was successful.
func (s *FastState) TransitionAny(validFrom []RunState, to RunState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the current state is Terminated.
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

// IsRunning returns true if the loop goroutine is currently running or
// sleeping (i.e. started and not yet terminating).
func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}

// CanAcceptWork returns true if the scheduler can still accept new
// submissions.
func (s *FastState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateAwake || state == StateRunning || state == StateSleeping
}
