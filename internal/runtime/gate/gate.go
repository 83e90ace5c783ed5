// Package gate decides whether a timer firing actually emits an event, based
// on the offered state and the live subscriber count.
package gate

import (
	"sync"

	"github.com/ecalabs/helloflow/internal/runtime/logging"
)

// Gate tracks subscription state per eventgroup and gates event emission.
//
// Known quirk preserved from the protocol this implements: a subscription
// that is rejected (NACKed) under toggle mode still counts as an active
// subscriber, because rejected clients are also delivered an unsubscribe
// later and counting acks only would drift. The ack/nack totals are exposed
// separately so the gap stays observable.
type Gate struct {
	logger    logging.ServiceLogger
	toggleAck bool

	mu      sync.Mutex
	offered bool
	active  int
	groups  map[uint16]map[string]struct{}

	subRequests uint64 // every subscribe request ever, drives toggle mode
	acked       uint64
	nacked      uint64
}

// New constructs a Gate. With toggleAck enabled, every second subscription
// request is rejected, which exercises subscriber backpressure handling in
// clients.
func New(logger logging.ServiceLogger, toggleAck bool) *Gate {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Gate{
		logger:    logger,
		toggleAck: toggleAck,
		groups:    make(map[uint16]map[string]struct{}),
	}
}

// OnSubscription handles a subscribe or unsubscribe notification for a
// client and eventgroup, returning whether a subscribe is acknowledged.
// Duplicate subscribes from the same client to the same eventgroup do not
// double-count; an unsubscribe without a prior subscribe leaves the count
// untouched, so the active count never goes negative.
func (g *Gate) OnSubscription(client string, eventgroup uint16, subscribing bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !subscribing {
		members, ok := g.groups[eventgroup]
		if !ok {
			g.logger.Debug("unsubscribe for unknown eventgroup", logging.LogFields{
				"client":     client,
				"eventgroup": eventgroup,
			})
			return true
		}
		if _, ok := members[client]; !ok {
			g.logger.Debug("unsubscribe without prior subscribe", logging.LogFields{
				"client":     client,
				"eventgroup": eventgroup,
			})
			return true
		}
		delete(members, client)
		g.active--
		g.logger.Debug("subscriber left", logging.LogFields{
			"client":      client,
			"eventgroup":  eventgroup,
			"subscribers": g.active,
		})
		return true
	}

	g.subRequests++
	ack := true
	if g.toggleAck {
		ack = g.subRequests%2 == 1
	}
	if ack {
		g.acked++
	} else {
		g.nacked++
	}

	members, ok := g.groups[eventgroup]
	if !ok {
		members = make(map[string]struct{})
		g.groups[eventgroup] = members
	}
	if _, dup := members[client]; !dup {
		members[client] = struct{}{}
		g.active++
	}

	g.logger.Info("subscription request", logging.LogFields{
		"client":      client,
		"eventgroup":  eventgroup,
		"ack":         ack,
		"subscribers": g.active,
	})
	return ack
}

// SetOffered records whether the service is currently offering its events.
func (g *Gate) SetOffered(offered bool) {
	g.mu.Lock()
	g.offered = offered
	g.mu.Unlock()
}

// Offered reports the current offering state.
func (g *Gate) Offered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.offered
}

// ShouldEmit reports whether an event should be serialized and sent right
// now. A false return is a suppression, not an error: the caller reports
// success and moves on.
func (g *Gate) ShouldEmit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.offered && g.active > 0
}

// ActiveSubscribers returns the live subscriber count.
func (g *Gate) ActiveSubscribers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// AckCounts returns how many subscription requests were acknowledged and
// rejected so far.
func (g *Gate) AckCounts() (acked, nacked uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acked, g.nacked
}
