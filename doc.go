// Package prioritask provides a cooperative, priority-aware task scheduler
// for Go, modeled on the browser's Prioritized Task Scheduling API.
//
// # Architecture
//
// A [Scheduler] owns a pair of intrusive doubly-linked queues (continuations
// and fresh tasks) per priority level, plus at most one pending host
// callback arming the next dispatch wakeup. All dispatch happens on a single
// dedicated loop goroutine, started by [Scheduler.Run] and stopped by
// [Scheduler.Shutdown]; [Scheduler.PostTask] and [Scheduler.Yield] may be
// called from any goroutine.
//
// Three host yield primitives — a message-port channel, a millisecond
// timer, and an idle-time approximation — are multiplexed by
// [hostCallbackHub] to decide when the loop goroutine should wake and
// attempt a dispatch.
//
// [PrioritySignal] and [PriorityController] extend a plain cancellation
// signal with a mutable priority attribute: changing a controller's
// priority migrates every queued task carrying its signal to the
// corresponding queue, preserving submission order.
//
// [PrioritizedPromise] wraps a settleable value whose resolve/reject handles
// submit settlement as a task to the scheduler, so settlement observers
// always run at the owning controller's current priority. Every
// continuation chained from it via Then/Catch/Finally shares the same
// controller.
//
// # Priority levels
//
// Three tags, highest to lowest: [PriorityUserBlocking], [PriorityUserVisible]
// (the default), and [PriorityBackground].
//
// # Thread Safety
//
// [Scheduler.PostTask], [Scheduler.Yield], and every [PriorityController]
// method are safe for concurrent use from any goroutine. Task callbacks
// themselves run only on the scheduler's loop goroutine.
//
// # Usage
//
//	scheduler, err := prioritask.NewScheduler()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go scheduler.Run(context.Background())
//
//	promise, err := scheduler.PostTask(func() (any, error) {
//	    return "done", nil
//	}, prioritask.WithTaskPriority(prioritask.PriorityUserBlocking))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	scheduler.Shutdown(context.Background())
//
// # Error Types
//
// The package provides typed errors mirroring ES2022 error kinds:
//   - [TypeError], [RangeError]: argument validation
//   - [DisallowedOperationError]: reentrant controller operations
//   - [AbortError]: cancellation via [AbortController]
//   - [AggregateError]: multi-reason rejection, e.g. from [AnyPromises]
//   - [PanicError]: wraps a panic recovered during task dispatch
//
// All error types implement [error] and an Unwrap method for use with
// [errors.Is] and [errors.As]; [AbortError] and [AggregateError]
// additionally match any error of their own type via Is().
package prioritask
