// Package correlate matches a single outstanding request to its reply by
// correlation id, with timeout and shutdown semantics.
//
// The design is deliberately single-slot: one call may be in flight at a
// time, and a second send before the first resolves overwrites the slot. The
// abandoned waiter resolves empty with ErrSuperseded. Multi-caller use needs
// a table of waiters keyed by id instead; single-slot is preserved here for
// the single-caller case it serves.
package correlate

import (
	"context"
	"sync"
	"time"

	errspkg "github.com/ecalabs/helloflow/internal/runtime/errors"
	"github.com/ecalabs/helloflow/internal/runtime/logging"
	"github.com/ecalabs/helloflow/internal/runtime/wire"
)

// DefaultTimeout bounds how long a caller waits for a reply.
const DefaultTimeout = 5 * time.Second

type result struct {
	resp wire.Response
	err  error
}

type entry struct {
	id      string
	waiting bool
	done    chan result // buffered, all sends are single-shot
}

func (e *entry) deliver(res result) {
	e.waiting = false
	e.done <- res
}

// Correlator tracks the single in-flight request.
type Correlator struct {
	logger  logging.ServiceLogger
	timeout time.Duration

	mu       sync.Mutex
	active   *entry
	shutdown chan struct{}
	closed   bool
}

// New constructs a Correlator. A non-positive timeout falls back to
// DefaultTimeout.
func New(logger logging.ServiceLogger, timeout time.Duration) *Correlator {
	if logger == nil {
		logger = logging.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{
		logger:   logger,
		timeout:  timeout,
		shutdown: make(chan struct{}),
	}
}

// Call sends a request through the provided send function and blocks until
// the matching reply arrives, the timeout elapses, or the correlator shuts
// down. The send function runs with the correlation slot locked, so a reply
// cannot race the slot registration; it must return the correlation id
// minted by the transport for this send.
//
// On timeout the entry stays registered (stale) until the next Call
// overwrites it; no cancellation is sent to the transport.
func (c *Correlator) Call(ctx context.Context, send func() (string, error)) (wire.Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Response{}, errspkg.ErrShutdown
	}
	if prior := c.active; prior != nil && prior.waiting {
		c.logger.Info("abandoning prior in-flight request", logging.LogFields{
			"correlation_id": prior.id,
		})
		prior.deliver(result{err: errspkg.ErrSuperseded})
	}

	e := &entry{waiting: true, done: make(chan result, 1)}
	c.active = e

	id, err := send()
	if err != nil {
		c.active = nil
		c.mu.Unlock()
		return wire.Response{}, err
	}
	e.id = id
	c.mu.Unlock()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-e.done:
		return res.resp, res.err
	case <-timer.C:
		c.mu.Lock()
		if !e.waiting {
			// The reply won the race against the timer.
			c.mu.Unlock()
			res := <-e.done
			return res.resp, res.err
		}
		e.waiting = false
		c.mu.Unlock()
		c.logger.Error("request timed out", errspkg.ErrTimeout, logging.LogFields{
			"correlation_id": e.id,
			"timeout":        c.timeout.String(),
		})
		return wire.Response{}, errspkg.ErrTimeout
	case <-c.shutdown:
		return wire.Response{}, errspkg.ErrShutdown
	case <-ctx.Done():
		c.mu.Lock()
		e.waiting = false
		c.mu.Unlock()
		return wire.Response{}, ctx.Err()
	}
}

// Resolve delivers an inbound reply to the waiter whose correlation id
// matches. Replies for unknown or already-resolved ids are logged and
// discarded; the returned ErrStrayReply is diagnostic, nothing is woken.
func (c *Correlator) Resolve(id string, resp wire.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.active
	if e == nil || e.id != id {
		c.logger.Info("discarding stray reply", logging.LogFields{
			"correlation_id": id,
		})
		return errspkg.ErrStrayReply
	}
	if !e.waiting {
		// Matching id, but the caller already gave up on it.
		c.logger.Info("discarding late reply for timed-out request", logging.LogFields{
			"correlation_id": id,
		})
		return errspkg.ErrStrayReply
	}
	e.deliver(result{resp: resp})
	return nil
}

// Close immediately resolves any outstanding wait with an empty Response
// instead of letting it run to timeout. Subsequent Calls fail with
// ErrShutdown. Close is idempotent.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.shutdown)
}
