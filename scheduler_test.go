package prioritask

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForRunning(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		switch s.state.Load() {
		case StateRunning, StateSleeping:
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("scheduler never reached Running/Sleeping state")
}

func waitForSettled(t *testing.T, p *Promise) PromiseState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state := p.State(); state != Pending {
			return state
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("promise never settled")
	return Pending
}

func newRunningScheduler(t *testing.T) (*Scheduler, context.Context, context.CancelFunc) {
	t.Helper()
	s, err := NewScheduler()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	waitForRunning(t, s)
	return s, ctx, cancel
}

func TestScheduler_PostTask_ResolvesWithValue(t *testing.T) {
	s, _, cancel := newRunningScheduler(t)
	defer cancel()

	promise, err := s.PostTask(func() (any, error) {
		return 42, nil
	})
	require.NoError(t, err)

	require.Equal(t, Fulfilled, waitForSettled(t, promise))
	assert.Equal(t, 42, promise.Value())
}

func TestScheduler_PostTask_RejectsOnCallbackError(t *testing.T) {
	s, _, cancel := newRunningScheduler(t)
	defer cancel()

	boom := errors.New("boom")
	promise, err := s.PostTask(func() (any, error) {
		return nil, boom
	})
	require.NoError(t, err)

	require.Equal(t, Rejected, waitForSettled(t, promise))
	assert.Equal(t, boom, promise.Reason())
}

func TestScheduler_PostTask_RecoversPanic(t *testing.T) {
	s, _, cancel := newRunningScheduler(t)
	defer cancel()

	promise, err := s.PostTask(func() (any, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	require.Equal(t, Rejected, waitForSettled(t, promise))
	var panicErr *PanicError
	require.ErrorAs(t, toError(promise.Reason()), &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
}

func TestScheduler_PostTask_InvalidPriorityReturnsSynchronousError(t *testing.T) {
	s, _, cancel := newRunningScheduler(t)
	defer cancel()

	_, err := s.PostTask(func() (any, error) { return nil, nil }, WithTaskPriority("bogus"))
	var rangeErr *RangeError
	require.ErrorAs(t, err, &rangeErr)
}

func TestScheduler_PostTask_NegativeDelayIsTypeError(t *testing.T) {
	s, _, cancel := newRunningScheduler(t)
	defer cancel()

	_, err := s.PostTask(func() (any, error) { return nil, nil }, WithDelay(-1))
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
}

func TestScheduler_PostTask_InvalidSignalPriorityReturnsSynchronousError(t *testing.T) {
	s, _, cancel := newRunningScheduler(t)
	defer cancel()

	// WithPriority rejects an unknown tag itself; a signal carrying one can
	// only arise by bypassing the public constructor, as this does. submit
	// must still reject it synchronously rather than let an out-of-range
	// priority reach the queue array while the scheduler's lock is held.
	base := NewAbortController()
	signal := &PrioritySignal{base: base.Signal(), events: NewEventTarget(), priority: "bogus"}

	_, err := s.PostTask(func() (any, error) { return nil, nil }, WithSignal(signal))
	var rangeErr *RangeError
	require.ErrorAs(t, err, &rangeErr)
}

func TestScheduler_HigherPriorityDispatchesFirst(t *testing.T) {
	s, _, cancel := newRunningScheduler(t)
	defer cancel()

	var order []string
	block := make(chan struct{})

	// Occupy the loop so both submissions queue up before either runs.
	_, err := s.PostTask(func() (any, error) {
		<-block
		return nil, nil
	}, WithTaskPriority(PriorityUserBlocking))
	require.NoError(t, err)

	done := make(chan struct{}, 2)
	_, err = s.PostTask(func() (any, error) {
		order = append(order, "background")
		done <- struct{}{}
		return nil, nil
	}, WithTaskPriority(PriorityBackground))
	require.NoError(t, err)

	_, err = s.PostTask(func() (any, error) {
		order = append(order, "user-blocking")
		done <- struct{}{}
		return nil, nil
	}, WithTaskPriority(PriorityUserBlocking))
	require.NoError(t, err)

	close(block)
	<-done
	<-done

	require.Len(t, order, 2)
	assert.Equal(t, "user-blocking", order[0])
}

func TestScheduler_AlreadyAbortedSignal_RejectsWithoutDispatch(t *testing.T) {
	s, _, cancel := newRunningScheduler(t)
	defer cancel()

	controller := NewPriorityController()
	controller.Abort("cancelled before submission")

	ran := false
	promise, err := s.PostTask(func() (any, error) {
		ran = true
		return nil, nil
	}, WithSignal(controller.Signal()))
	require.NoError(t, err)

	require.Equal(t, Rejected, waitForSettled(t, promise))
	assert.Equal(t, "cancelled before submission", promise.Reason())
	assert.False(t, ran)
}

func TestScheduler_AbortAfterSubmission_RejectsQueuedTask(t *testing.T) {
	s, _, cancel := newRunningScheduler(t)
	defer cancel()

	block := make(chan struct{})
	_, err := s.PostTask(func() (any, error) {
		<-block
		return nil, nil
	}, WithTaskPriority(PriorityUserBlocking))
	require.NoError(t, err)

	controller := NewPriorityController()
	ran := false
	promise, err := s.PostTask(func() (any, error) {
		ran = true
		return nil, nil
	}, WithSignal(controller.Signal()), WithTaskPriority(PriorityUserVisible))
	require.NoError(t, err)

	controller.Abort("changed my mind")
	require.Equal(t, Rejected, waitForSettled(t, promise))
	assert.Equal(t, "changed my mind", promise.Reason())

	close(block)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran)
}

func TestScheduler_PriorityMigration_MovesQueuedTask(t *testing.T) {
	s, _, cancel := newRunningScheduler(t)
	defer cancel()

	block := make(chan struct{})
	_, err := s.PostTask(func() (any, error) {
		<-block
		return nil, nil
	}, WithTaskPriority(PriorityUserBlocking))
	require.NoError(t, err)

	controller := NewPriorityController(WithPriority(PriorityBackground))
	var ranAt time.Time
	promise, err := s.PostTask(func() (any, error) {
		ranAt = time.Now()
		return nil, nil
	}, WithSignal(controller.Signal()))
	require.NoError(t, err)

	var otherRanAt time.Time
	other, err := s.PostTask(func() (any, error) {
		otherRanAt = time.Now()
		return nil, nil
	}, WithTaskPriority(PriorityBackground))
	require.NoError(t, err)

	require.NoError(t, controller.SetPriority(PriorityUserBlocking))

	close(block)
	waitForSettled(t, promise)
	waitForSettled(t, other)

	assert.True(t, ranAt.Before(otherRanAt), "migrated task should now dispatch ahead of the still-background one")
}

func TestScheduler_Yield_RunsBeforeFreshTaskAtSamePriority(t *testing.T) {
	s, _, cancel := newRunningScheduler(t)
	defer cancel()

	block := make(chan struct{})
	_, err := s.PostTask(func() (any, error) {
		<-block
		return nil, nil
	}, WithTaskPriority(PriorityUserBlocking))
	require.NoError(t, err)

	var order []string
	done := make(chan struct{}, 2)
	var yieldPromise *Promise

	_, err = s.PostTask(func() (any, error) {
		// The Yield continuation has no callback; its promise is fulfilled
		// when it is dispatched, which must already have happened here.
		if yieldPromise.State() == Fulfilled {
			order = append(order, "yield")
		}
		order = append(order, "fresh")
		done <- struct{}{}
		return nil, nil
	}, WithTaskPriority(PriorityUserVisible))
	require.NoError(t, err)

	yieldPromise, err = s.Yield(WithTaskPriority(PriorityUserVisible))
	require.NoError(t, err)
	// PostTask always submits a fresh task, so this one queues behind the
	// fresh task above while the Yield continuation goes ahead of both.
	_, err = s.PostTask(func() (any, error) {
		order = append(order, "second-fresh")
		done <- struct{}{}
		return nil, nil
	}, WithTaskPriority(PriorityUserVisible))
	require.NoError(t, err)

	close(block)
	<-done
	<-done

	require.Len(t, order, 3)
	assert.Equal(t, []string{"yield", "fresh", "second-fresh"}, order)
}

func TestScheduler_Shutdown_DrainsRemainingTasks(t *testing.T) {
	s, err := NewScheduler()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitForRunning(t, s)

	var ran atomic.Bool
	promise, err := s.PostTask(func() (any, error) {
		ran.Store(true)
		return nil, nil
	})
	require.NoError(t, err)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, s.Shutdown(shutdownCtx))

	require.Equal(t, Fulfilled, promise.State())
	assert.True(t, ran.Load())
	assert.Equal(t, StateTerminated, s.state.Load())
}

func TestScheduler_Run_ReentrantCallReturnsError(t *testing.T) {
	s, _, cancel := newRunningScheduler(t)
	defer cancel()

	errCh := make(chan error, 1)
	_, err := s.PostTask(func() (any, error) {
		errCh <- s.Run(context.Background())
		return nil, nil
	})
	require.NoError(t, err)

	select {
	case reentrantErr := <-errCh:
		assert.ErrorIs(t, reentrantErr, ErrReentrantRun)
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant Run never returned")
	}
}

func TestScheduler_Metrics_CountsDispatchAndAbort(t *testing.T) {
	s, err := NewScheduler(WithMetrics(true))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitForRunning(t, s)

	promise, err := s.PostTask(func() (any, error) { return nil, nil })
	require.NoError(t, err)
	waitForSettled(t, promise)

	block := make(chan struct{})
	_, err = s.PostTask(func() (any, error) {
		<-block
		return nil, nil
	}, WithTaskPriority(PriorityUserBlocking))
	require.NoError(t, err)

	controller := NewPriorityController()
	aborted, err := s.PostTask(func() (any, error) { return nil, nil }, WithSignal(controller.Signal()))
	require.NoError(t, err)
	controller.Abort("stop")
	waitForSettled(t, aborted)
	close(block)

	metrics := s.Metrics()
	assert.GreaterOrEqual(t, metrics.TasksDispatched, uint64(1))
	assert.GreaterOrEqual(t, metrics.TasksAborted, uint64(1))
}
