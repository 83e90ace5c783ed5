package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ecalabs/helloflow/internal/runtime/logging"
)

const group = uint16(0x0100)

func TestShouldEmitNeedsOfferAndSubscribers(t *testing.T) {
	g := New(logging.Nop(), false)

	assert.False(t, g.ShouldEmit(), "nothing offered, nobody subscribed")

	g.SetOffered(true)
	assert.False(t, g.ShouldEmit(), "offered but no subscribers")

	g.OnSubscription("client-1", group, true)
	assert.True(t, g.ShouldEmit())

	g.OnSubscription("client-1", group, false)
	assert.False(t, g.ShouldEmit(), "last subscriber left")
}

func TestOfferToggleDoesNotDisturbCount(t *testing.T) {
	g := New(logging.Nop(), false)
	g.SetOffered(true)
	g.OnSubscription("client-1", group, true)
	g.OnSubscription("client-2", group, true)

	g.SetOffered(false)
	assert.False(t, g.ShouldEmit())
	assert.Equal(t, 2, g.ActiveSubscribers())

	g.SetOffered(true)
	assert.True(t, g.ShouldEmit())
	assert.Equal(t, 2, g.ActiveSubscribers())
}

func TestToggleAckAlternates(t *testing.T) {
	g := New(logging.Nop(), true)

	assert.True(t, g.OnSubscription("client-1", group, true), "1st request is odd: ack")
	assert.False(t, g.OnSubscription("client-2", group, true), "2nd request is even: nack")
	assert.True(t, g.OnSubscription("client-3", group, true))

	acked, nacked := g.AckCounts()
	assert.Equal(t, uint64(2), acked)
	assert.Equal(t, uint64(1), nacked)
}

func TestNackedSubscriptionStillCounted(t *testing.T) {
	g := New(logging.Nop(), true)
	g.SetOffered(true)

	g.OnSubscription("client-1", group, true)
	assert.False(t, g.OnSubscription("client-2", group, true))

	// Documented quirk: the rejected subscriber still raises the active
	// count until its unsubscribe arrives.
	assert.Equal(t, 2, g.ActiveSubscribers())

	g.OnSubscription("client-2", group, false)
	assert.Equal(t, 1, g.ActiveSubscribers())
}

func TestDuplicateSubscribeDoesNotDoubleCount(t *testing.T) {
	g := New(logging.Nop(), false)

	g.OnSubscription("client-1", group, true)
	g.OnSubscription("client-1", group, true)
	assert.Equal(t, 1, g.ActiveSubscribers())

	g.OnSubscription("client-1", group, false)
	assert.Equal(t, 0, g.ActiveSubscribers())
}

func TestUnsubscribeWithoutSubscribeFloorsAtZero(t *testing.T) {
	g := New(logging.Nop(), false)

	g.OnSubscription("client-1", group, false)
	g.OnSubscription("client-2", uint16(0x0200), false)
	assert.Equal(t, 0, g.ActiveSubscribers())

	g.SetOffered(true)
	g.OnSubscription("client-1", group, true)
	assert.Equal(t, 1, g.ActiveSubscribers())
	assert.True(t, g.ShouldEmit())
}

func TestEventgroupsTrackedIndependently(t *testing.T) {
	g := New(logging.Nop(), false)
	other := uint16(0x0200)

	g.OnSubscription("client-1", group, true)
	g.OnSubscription("client-1", other, true)
	assert.Equal(t, 2, g.ActiveSubscribers())

	g.OnSubscription("client-1", group, false)
	assert.Equal(t, 1, g.ActiveSubscribers())
}
