// Package transport defines the boundary between the hello runtimes and the
// message middleware that carries their frames. Each backend (channel, nats)
// lives in its own sub-package and registers itself with the transport
// registry.
//
// The runtimes require three capabilities from a transport: send a request
// or response frame, notify an event, and manage the offered state. In the
// other direction the transport delivers inbound frames, availability
// transitions, and subscription requests to an attached Handler.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
)

// ProtocolVersion is the frame protocol version spoken by this module.
const ProtocolVersion uint8 = 0x01

// AnyVersion matches any interface version on inbound checks.
const AnyVersion uint8 = 0xFF

// MessageType distinguishes the frame kinds on the wire.
type MessageType uint8

const (
	TypeRequest      MessageType = 0x00
	TypeNotification MessageType = 0x02
	TypeResponse     MessageType = 0x80
	TypeError        MessageType = 0x81
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "Request"
	case TypeNotification:
		return "Notification"
	case TypeResponse:
		return "Response"
	case TypeError:
		return "Error"
	}
	return fmt.Sprintf("Unknown<0x%02x>", uint8(t))
}

// ReturnCode reports the outcome of a request in its response frame.
type ReturnCode uint8

const (
	EOK                    ReturnCode = 0x00
	ENotOK                 ReturnCode = 0x01
	EUnknownService        ReturnCode = 0x02
	EUnknownMethod         ReturnCode = 0x03
	ENotReady              ReturnCode = 0x04
	ENotReachable          ReturnCode = 0x05
	ETimeout               ReturnCode = 0x06
	EWrongProtocolVersion  ReturnCode = 0x07
	EWrongInterfaceVersion ReturnCode = 0x08
	EMalformedMessage      ReturnCode = 0x09
	EWrongMessageType      ReturnCode = 0x0A
	EUnknown               ReturnCode = 0xFF
)

func (rc ReturnCode) String() string {
	switch rc {
	case EOK:
		return "E_OK"
	case ENotOK:
		return "E_NOT_OK"
	case EUnknownService:
		return "E_UNKNOWN_SERVICE"
	case EUnknownMethod:
		return "E_UNKNOWN_METHOD"
	case ENotReady:
		return "E_NOT_READY"
	case ENotReachable:
		return "E_NOT_REACHABLE"
	case ETimeout:
		return "E_TIMEOUT"
	case EWrongProtocolVersion:
		return "E_WRONG_PROTOCOL_VERSION"
	case EWrongInterfaceVersion:
		return "E_WRONG_INTERFACE_VERSION"
	case EMalformedMessage:
		return "E_MALFORMED_MESSAGE"
	case EWrongMessageType:
		return "E_WRONG_MESSAGE_TYPE"
	case EUnknown:
		return "E_UNKNOWN"
	}
	return fmt.Sprintf("INVALID<0x%02x>", uint8(rc))
}

// Frame is one message crossing the transport boundary. Payload bytes are
// opaque to the transport; the wire codec owns their layout.
type Frame struct {
	Service  uint16
	Instance uint16
	// Method carries the method id for requests/responses and the event id
	// for notifications.
	Method uint16

	Type             MessageType
	ProtocolVersion  uint8
	InterfaceVersion uint8
	ReturnCode       ReturnCode

	// Client identifies the requesting application; responses are routed
	// back to it. Filled in by the transport on send.
	Client string

	// CorrelationID ties a response to its request. Minted by the
	// transport when a request frame is sent; echoed verbatim in the
	// response.
	CorrelationID string

	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s [%04x.%04x.%04x] rc=%s corr=%s (%d bytes)",
		f.Type, f.Service, f.Instance, f.Method, f.ReturnCode, f.CorrelationID, len(f.Payload))
}

// Handler receives inbound traffic from the transport. Calls are serialized
// by the transport's dispatch context; implementations run to completion
// without needing their own locking against other Handler calls.
type Handler interface {
	// OnMessage delivers a decoded inbound frame (request, response or
	// notification).
	OnMessage(ctx context.Context, frame Frame)

	// OnAvailability reports a service becoming offered or withdrawn.
	OnAvailability(service, instance uint16, available bool)

	// OnSubscription asks whether a subscription request is acknowledged.
	// Unsubscribes also arrive here with subscribing=false; their return
	// value is ignored.
	OnSubscription(client string, eventgroup uint16, subscribing bool) bool
}

// Transport is the middleware boundary the runtimes are built against.
type Transport interface {
	// Attach registers the handler for inbound traffic. Must be called
	// before Run.
	Attach(h Handler)

	// Run starts the transport's dispatch loops and blocks until ctx is
	// cancelled or Close is called.
	Run(ctx context.Context) error

	// Send transmits a request or response frame. For requests it mints
	// and returns the correlation id; for responses it echoes the frame's
	// correlation id.
	Send(ctx context.Context, frame Frame, reliable bool) (string, error)

	// Notify emits an event frame to the subscribers of the eventgroup.
	Notify(ctx context.Context, frame Frame, eventgroup uint16, reliable bool) error

	// Offer announces that a service instance is available; StopOffer
	// withdraws it.
	Offer(ctx context.Context, service, instance uint16) error
	StopOffer(ctx context.Context, service, instance uint16) error

	// RequestService asks for availability notifications for a service
	// instance. Already-offered services are re-announced to late joiners.
	RequestService(ctx context.Context, service, instance uint16) error

	// Subscribe joins an eventgroup; the producer side acknowledges or
	// rejects it. Unsubscribe leaves it.
	Subscribe(ctx context.Context, service, instance, eventgroup uint16) error
	Unsubscribe(ctx context.Context, service, instance, eventgroup uint16) error

	// Close tears the transport down and stops Run.
	Close() error
}

// Config provides the configuration values transports need. The interface
// keeps backends from depending on the full config package.
type Config interface {
	// GetTransport returns the registry name of the selected backend.
	GetTransport() string

	// GetNATSURL returns the NATS server URL.
	GetNATSURL() string
}

// Builder is the function signature for creating a transport from config.
// Each backend package provides a Builder that can be registered.
// The name identifies the application on the transport; responses and
// subscription acknowledgements are routed back by it.
type Builder func(ctx context.Context, name string, cfg Config, logger watermill.LoggerAdapter) (Transport, error)
