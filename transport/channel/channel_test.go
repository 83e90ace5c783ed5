package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecalabs/helloflow/transport"
)

type subEvent struct {
	client      string
	eventgroup  uint16
	subscribing bool
}

type testHandler struct {
	messages chan transport.Frame
	avail    chan bool
	subs     chan subEvent
	accept   bool
	reply    func(ctx context.Context, frame transport.Frame)
}

func newTestHandler() *testHandler {
	return &testHandler{
		messages: make(chan transport.Frame, 16),
		avail:    make(chan bool, 16),
		subs:     make(chan subEvent, 16),
		accept:   true,
	}
}

func (h *testHandler) OnMessage(ctx context.Context, frame transport.Frame) {
	if frame.Type == transport.TypeRequest && h.reply != nil {
		h.reply(ctx, frame)
	}
	h.messages <- frame
}

func (h *testHandler) OnAvailability(_, _ uint16, available bool) {
	h.avail <- available
}

func (h *testHandler) OnSubscription(client string, eventgroup uint16, subscribing bool) bool {
	h.subs <- subEvent{client: client, eventgroup: eventgroup, subscribing: subscribing}
	return h.accept
}

func waitFrame(t *testing.T, ch <-chan transport.Frame) transport.Frame {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return transport.Frame{}
	}
}

func waitBool(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for availability")
		return false
	}
}

func waitSub(t *testing.T, ch <-chan subEvent) subEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription event")
		return subEvent{}
	}
}

func startPair(t *testing.T, serverHandler, clientHandler transport.Handler) (server, client *transport.PubSub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(nil)
	server = hub.NewTransport("server", nil)
	client = hub.NewTransport("client", nil)
	server.Attach(serverHandler)
	client.Attach(clientHandler)

	go func() { _ = server.Run(ctx) }()
	go func() { _ = client.Run(ctx) }()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

func TestAvailabilityLifecycle(t *testing.T) {
	serverHandler := newTestHandler()
	clientHandler := newTestHandler()
	server, client := startPair(t, serverHandler, clientHandler)
	ctx := context.Background()

	require.NoError(t, client.RequestService(ctx, 0x6000, 0x0001))
	require.NoError(t, server.Offer(ctx, 0x6000, 0x0001))
	assert.True(t, waitBool(t, clientHandler.avail))

	require.NoError(t, server.StopOffer(ctx, 0x6000, 0x0001))
	assert.False(t, waitBool(t, clientHandler.avail))
}

func TestFindTriggersReAnnounce(t *testing.T) {
	serverHandler := newTestHandler()
	clientHandler := newTestHandler()
	server, client := startPair(t, serverHandler, clientHandler)
	ctx := context.Background()

	// Offer goes out before anyone listens for it. The find probe makes
	// the server announce again.
	require.NoError(t, server.Offer(ctx, 0x6000, 0x0001))
	require.NoError(t, client.RequestService(ctx, 0x6000, 0x0001))
	assert.True(t, waitBool(t, clientHandler.avail))
}

func TestRequestResponse(t *testing.T) {
	serverHandler := newTestHandler()
	clientHandler := newTestHandler()
	server, client := startPair(t, serverHandler, clientHandler)
	ctx := context.Background()

	serverHandler.reply = func(ctx context.Context, req transport.Frame) {
		resp := req
		resp.Type = transport.TypeResponse
		resp.ReturnCode = transport.EOK
		resp.Payload = []byte("pong")
		_, err := server.Send(ctx, resp, true)
		assert.NoError(t, err)
	}

	require.NoError(t, client.RequestService(ctx, 0x6000, 0x0001))
	require.NoError(t, server.Offer(ctx, 0x6000, 0x0001))
	waitBool(t, clientHandler.avail)

	corrID, err := client.Send(ctx, transport.Frame{
		Service:          0x6000,
		Instance:         0x0001,
		Method:           0x8001,
		Type:             transport.TypeRequest,
		InterfaceVersion: 1,
		Payload:          []byte("ping"),
	}, true)
	require.NoError(t, err)
	require.NotEmpty(t, corrID)

	req := waitFrame(t, serverHandler.messages)
	assert.Equal(t, transport.TypeRequest, req.Type)
	assert.Equal(t, "client", req.Client)
	assert.Equal(t, corrID, req.CorrelationID)
	assert.Equal(t, []byte("ping"), req.Payload)

	resp := waitFrame(t, clientHandler.messages)
	assert.Equal(t, transport.TypeResponse, resp.Type)
	assert.Equal(t, corrID, resp.CorrelationID)
	assert.Equal(t, []byte("pong"), resp.Payload)
}

func TestSubscribeAndNotify(t *testing.T) {
	serverHandler := newTestHandler()
	clientHandler := newTestHandler()
	server, client := startPair(t, serverHandler, clientHandler)
	ctx := context.Background()

	require.NoError(t, client.RequestService(ctx, 0x6000, 0x0001))
	require.NoError(t, server.Offer(ctx, 0x6000, 0x0001))
	waitBool(t, clientHandler.avail)

	require.NoError(t, client.Subscribe(ctx, 0x6000, 0x0001, 0x0100))
	sub := waitSub(t, serverHandler.subs)
	assert.Equal(t, subEvent{client: "client", eventgroup: 0x0100, subscribing: true}, sub)

	// The ack and the event topic attachment race the first notification,
	// so keep notifying until one lands.
	notify := transport.Frame{
		Service:  0x6000,
		Instance: 0x0001,
		Method:   0x8005,
		Payload:  []byte{0x00},
	}
	var event transport.Frame
	deadline := time.After(5 * time.Second)
loop:
	for {
		require.NoError(t, server.Notify(ctx, notify, 0x0100, false))
		select {
		case event = <-clientHandler.messages:
			break loop
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for notification")
		}
	}
	assert.Equal(t, transport.TypeNotification, event.Type)
	assert.Equal(t, uint16(0x8005), event.Method)
}

func TestRejectedSubscriptionTriggersUnsubscribe(t *testing.T) {
	serverHandler := newTestHandler()
	serverHandler.accept = false
	clientHandler := newTestHandler()
	server, client := startPair(t, serverHandler, clientHandler)
	ctx := context.Background()

	require.NoError(t, client.RequestService(ctx, 0x6000, 0x0001))
	require.NoError(t, server.Offer(ctx, 0x6000, 0x0001))
	waitBool(t, clientHandler.avail)

	require.NoError(t, client.Subscribe(ctx, 0x6000, 0x0001, 0x0100))

	sub := waitSub(t, serverHandler.subs)
	assert.True(t, sub.subscribing)

	// The rejected client tears itself down again.
	unsub := waitSub(t, serverHandler.subs)
	assert.False(t, unsub.subscribing)
	assert.Equal(t, "client", unsub.client)
}

func TestHubReleasesBrokerWithLastTransport(t *testing.T) {
	hub := NewHub(nil)
	first := hub.NewTransport("first", nil)
	second := hub.NewTransport("second", nil)

	require.NoError(t, first.Close())
	assert.Equal(t, 1, hub.refs)
	require.NoError(t, second.Close())
	assert.Equal(t, 0, hub.refs)
	assert.Nil(t, hub.bus)
}

func TestRegister(t *testing.T) {
	Register()
	assert.True(t, transport.DefaultRegistry.Has(Name))
	caps, ok := transport.DefaultRegistry.CapabilitiesOf(Name)
	require.True(t, ok)
	assert.False(t, caps.CrossProcess)
}
