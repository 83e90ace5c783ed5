package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/ecalabs/helloflow/transport"
)

// Name is the registry key for the in-process backend.
const Name = "channel"

// DefaultHub backs every transport built through the registry. Applications
// in the same process share its broker and can reach each other.
var DefaultHub = NewHub(nil)

// Hub owns one in-process broker and hands out transports attached to it.
// The broker is created lazily and torn down when the last transport built
// from it closes.
type Hub struct {
	mu     sync.Mutex
	logger watermill.LoggerAdapter
	bus    *gochannel.GoChannel
	refs   int
}

func NewHub(logger watermill.LoggerAdapter) *Hub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Hub{logger: logger}
}

// NewTransport attaches a new application to the hub's broker.
func (h *Hub) NewTransport(name string, logger watermill.LoggerAdapter) *transport.PubSub {
	if logger == nil {
		logger = h.logger
	}
	h.mu.Lock()
	if h.bus == nil {
		h.bus = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, h.logger)
	}
	h.refs++
	bus := h.bus
	h.mu.Unlock()

	return transport.NewPubSub(name, bus, bus, h.release, logger)
}

// release drops one reference and closes the broker with the last one.
func (h *Hub) release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return nil
	}
	h.refs--
	if h.refs > 0 || h.bus == nil {
		return nil
	}
	bus := h.bus
	h.bus = nil
	return bus.Close()
}

// Build constructs a transport on the default hub.
func Build(_ context.Context, name string, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return DefaultHub.NewTransport(name, logger), nil
}

// Capabilities describes the in-process backend.
func Capabilities() transport.Capabilities {
	return transport.Capabilities{
		Reliable:     true,
		CrossProcess: false,
	}
}

// Register adds the backend to the default registry.
func Register() {
	transport.RegisterWithCapabilities(Name, Build, Capabilities())
}
