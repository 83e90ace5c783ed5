package sched

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecalabs/helloflow/internal/runtime/logging"
)

func TestDriftCompensation(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	const (
		period  = 20 * time.Millisecond
		busy    = 5 * time.Millisecond
		firings = 50
	)

	var (
		mu    sync.Mutex
		times []time.Time
	)
	done := make(chan struct{})

	s := New(logging.Nop())
	s.Add(1, period, true, func(int) error {
		mu.Lock()
		times = append(times, time.Now())
		n := len(times)
		mu.Unlock()
		time.Sleep(busy) // synthetic callback execution time
		if n == firings {
			close(done)
		}
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Duration(firings+20) * period):
		t.Fatal("timers did not fire often enough")
	}
	s.StopAndWait()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(times), firings)

	// Despite the 5ms of work per tick, the average inter-firing interval
	// must converge to the nominal period.
	total := times[firings-1].Sub(times[0])
	average := total / time.Duration(firings-1)
	assert.InDelta(t, float64(period), float64(average), float64(period)*0.15,
		"average interval %v should be close to period %v", average, period)
}

func TestIndependentTimersDoNotBlockEachOther(t *testing.T) {
	var fast atomic.Int32
	slowEntered := make(chan struct{})

	s := New(logging.Nop())
	defer s.StopAndWait()

	s.Add(1, 5*time.Millisecond, true, func(int) error {
		select {
		case slowEntered <- struct{}{}:
		default:
		}
		time.Sleep(200 * time.Millisecond) // hog this timer's loop only
		return nil
	})
	s.Add(2, 5*time.Millisecond, true, func(int) error {
		fast.Add(1)
		return nil
	})

	<-slowEntered
	time.Sleep(100 * time.Millisecond)
	assert.Greater(t, fast.Load(), int32(5),
		"fast timer should keep firing while the slow callback runs")
}

func TestStopWakesWaitingTimers(t *testing.T) {
	var fired atomic.Int32

	s := New(logging.Nop())
	// Long period: the timer is mid-wait when stop arrives.
	s.Add(1, time.Hour, true, func(int) error {
		fired.Add(1)
		return nil
	})
	s.Add(2, time.Hour, true, func(int) error {
		fired.Add(1)
		return nil
	})

	stopped := make(chan struct{})
	go func() {
		s.StopAndWait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAndWait did not interrupt waiting timers")
	}
	assert.Equal(t, int32(0), fired.Load())
}

func TestStopFromInsideCallback(t *testing.T) {
	s := New(logging.Nop())
	stoppedSelf := make(chan struct{})

	s.Add(1, time.Millisecond, true, func(int) error {
		s.Stop() // shutdown triggered from the timer's own goroutine
		close(stoppedSelf)
		return nil
	})

	select {
	case <-stoppedSelf:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	// The join happens from the test goroutine, not the callback.
	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after in-callback Stop")
	}
}

func TestCallbackErrorDoesNotStopScheduling(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})

	s := New(logging.Nop())
	defer s.StopAndWait()

	s.Add(1, time.Millisecond, true, func(int) error {
		if calls.Add(1) == 5 {
			close(done)
		}
		return errors.New("tick failed")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("scheduling stopped after callback errors, %d calls", calls.Load())
	}
}

func TestNonRecurringTimerFiresOnce(t *testing.T) {
	var calls atomic.Int32

	s := New(logging.Nop())
	s.Add(1, time.Millisecond, false, func(int) error {
		calls.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	s.StopAndWait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestAddAfterStopIsNoOp(t *testing.T) {
	s := New(logging.Nop())
	s.StopAndWait()

	var calls atomic.Int32
	s.Add(1, time.Millisecond, true, func(int) error {
		calls.Add(1)
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(logging.Nop())
	s.Stop()
	s.Stop()
	s.Wait()
}
