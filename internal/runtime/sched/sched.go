// Package sched runs independent periodic tasks, one goroutine per timer,
// with drift compensation and a single broadcast stop signal.
package sched

import (
	"sync"
	"time"

	"github.com/ecalabs/helloflow/internal/runtime/logging"
)

// Callback is invoked on every firing of a timer. A returned error is logged
// and the tick is not retried; scheduling continues for recurring timers.
type Callback func(timerID int) error

// minWait is the floor for the compensated wait. A callback that keeps
// taking longer than its period degrades into a near-busy loop at this
// floor; that is the accepted trade-off for converging on the nominal rate.
const minWait = time.Millisecond

// Scheduler owns a set of periodic timers that stop as a group.
//
// Within one timer, callback invocations never overlap: the next wait is not
// scheduled until the previous callback returns. Across timers there is no
// ordering guarantee.
type Scheduler struct {
	logger logging.ServiceLogger

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New returns a Scheduler ready to accept timers.
func New(logger logging.ServiceLogger) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Add registers a timer with the given nominal period and starts it
// immediately. A non-recurring timer fires once and exits. Adding to a
// stopped scheduler is a no-op.
func (s *Scheduler) Add(timerID int, period time.Duration, recurring bool, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.logger.Debug("scheduler stopped, not adding timer", logging.LogFields{"timer_id": timerID})
		return
	}
	s.wg.Add(1)
	go s.run(timerID, period, recurring, cb)
}

// Stop raises the stop signal, waking every waiting timer at once. It does
// not wait for the timer goroutines to exit, so it is safe to call from
// within a timer callback. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
}

// Wait blocks until all timer goroutines have exited. Calling Wait from a
// timer callback would deadlock; a shutdown initiated inside a callback must
// use Stop alone and leave the join to the owning goroutine.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// StopAndWait stops all timers and joins them.
func (s *Scheduler) StopAndWait() {
	s.Stop()
	s.Wait()
}

func (s *Scheduler) run(timerID int, period time.Duration, recurring bool, cb Callback) {
	defer s.wg.Done()

	s.logger.Trace("timer started", logging.LogFields{
		"timer_id": timerID,
		"period":   period.String(),
	})

	wait := period
	for {
		timer := time.NewTimer(wait)
		select {
		case <-s.stop:
			timer.Stop()
			s.logger.Trace("timer stop requested", logging.LogFields{"timer_id": timerID})
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := cb(timerID); err != nil {
			s.logger.Error("timer callback failed", err, logging.LogFields{"timer_id": timerID})
		}
		if !recurring {
			s.logger.Trace("timer finished", logging.LogFields{"timer_id": timerID})
			return
		}

		// Subtract the callback's execution time so the long-run firing
		// rate converges to 1/period.
		wait = period - time.Since(start)
		if wait < minWait {
			wait = minWait
		}
	}
}
