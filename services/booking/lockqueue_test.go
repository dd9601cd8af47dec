package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestAcquireDispatchesInArrivalOrder(t *testing.T) {
	q := NewOperationQueue(zap.NewNop())

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	var wg sync.WaitGroup
	run := func(name string, block bool) {
		defer wg.Done()
		_ = q.Acquire(context.Background(), "booking_test", func(context.Context) error {
			if block {
				<-gate
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	wg.Add(1)
	go run("a", true)
	waitFor(t, q.IsLocked, "first work to start")

	wg.Add(1)
	go run("b", false)
	waitFor(t, func() bool { return q.QueueLength() == 1 }, "b to queue")

	wg.Add(1)
	go run("c", false)
	waitFor(t, func() bool { return q.QueueLength() == 2 }, "c to queue")

	close(gate)
	wg.Wait()

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.False(t, q.IsLocked())
	assert.Equal(t, 0, q.QueueLength())
	assert.Equal(t, "", q.CurrentOperation())
}

func TestAcquireAllowsOnlyOneWorkInFlight(t *testing.T) {
	q := NewOperationQueue(zap.NewNop())

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Acquire(context.Background(), "booking_test", func(context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					max := atomic.LoadInt32(&maxInFlight)
					if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestWorkFailureDoesNotPoisonQueue(t *testing.T) {
	q := NewOperationQueue(zap.NewNop())

	wantErr := errors.New("boom")
	gate := make(chan struct{})

	errA := make(chan error, 1)
	go func() {
		errA <- q.Acquire(context.Background(), "booking_test", func(context.Context) error {
			<-gate
			return wantErr
		})
	}()
	waitFor(t, q.IsLocked, "first work to start")

	errB := make(chan error, 1)
	go func() {
		errB <- q.Acquire(context.Background(), "booking_test", func(context.Context) error {
			return nil
		})
	}()
	waitFor(t, func() bool { return q.QueueLength() == 1 }, "second request to queue")

	close(gate)
	assert.ErrorIs(t, <-errA, wantErr)
	assert.NoError(t, <-errB)
}

func TestWorkPanicIsConvertedToError(t *testing.T) {
	q := NewOperationQueue(zap.NewNop())

	err := q.Acquire(context.Background(), "booking_test", func(context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// Queue still serves the next caller.
	assert.NoError(t, q.Acquire(context.Background(), "booking_test", func(context.Context) error {
		return nil
	}))
}

func TestSecondAcquireWaitsForFirstToComplete(t *testing.T) {
	q := NewOperationQueue(zap.NewNop())

	gate := make(chan struct{})
	var aFinished atomic.Bool

	done := make(chan struct{}, 2)
	go func() {
		_ = q.Acquire(context.Background(), "a", func(context.Context) error {
			<-gate
			aFinished.Store(true)
			return nil
		})
		done <- struct{}{}
	}()
	waitFor(t, q.IsLocked, "workA to start")
	assert.Equal(t, "a", q.CurrentOperation())

	startedB := make(chan bool, 1)
	go func() {
		_ = q.Acquire(context.Background(), "a", func(context.Context) error {
			startedB <- aFinished.Load()
			return nil
		})
		done <- struct{}{}
	}()
	waitFor(t, func() bool { return q.QueueLength() == 1 }, "workB to queue")

	close(gate)
	assert.True(t, <-startedB, "workB started before workA completed")
	<-done
	<-done
}

func TestClearRejectsPendingRequests(t *testing.T) {
	q := NewOperationQueue(zap.NewNop())

	gate := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- q.Acquire(context.Background(), "booking_test", func(context.Context) error {
			<-gate
			return nil
		})
	}()
	waitFor(t, q.IsLocked, "first work to start")

	pendingDone := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			pendingDone <- q.Acquire(context.Background(), fmt.Sprintf("op_%d", i), func(context.Context) error {
				return nil
			})
		}(i)
	}
	waitFor(t, func() bool { return q.QueueLength() == 2 }, "pending requests to queue")

	q.Clear()
	assert.ErrorIs(t, <-pendingDone, ErrQueueCleared)
	assert.ErrorIs(t, <-pendingDone, ErrQueueCleared)
	assert.Equal(t, 0, q.QueueLength())

	// In-flight work is not cancelled by Clear.
	close(gate)
	assert.NoError(t, <-firstDone)
}

func TestAcquireWithdrawsOnContextCancel(t *testing.T) {
	q := NewOperationQueue(zap.NewNop())

	gate := make(chan struct{})
	defer close(gate)
	go func() {
		_ = q.Acquire(context.Background(), "booking_test", func(context.Context) error {
			<-gate
			return nil
		})
	}()
	waitFor(t, q.IsLocked, "first work to start")

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Acquire(ctx, "booking_test", func(context.Context) error {
			ran <- struct{}{}
			return nil
		})
	}()
	waitFor(t, func() bool { return q.QueueLength() == 1 }, "second request to queue")

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, q.QueueLength())
	select {
	case <-ran:
		t.Fatal("withdrawn work should never run")
	case <-time.After(20 * time.Millisecond):
	}
}
