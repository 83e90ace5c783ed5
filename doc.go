// Package helloflow pairs a request/response greeting call with a periodic,
// subscriber-gated timer event broadcast over a pluggable message transport.
// The wire format is compact and binary: text payloads are NUL-terminated
// UTF-8 (optionally length-prefixed) and every timer event is exactly 17
// big-endian bytes.
//
// Service is the producer side. It offers one or more service ids, answers
// the greeting method with "Hello " plus the request message, and runs up to
// four independent drift-compensated periodic timers whose events only go
// out while the service is offered and at least one subscriber is active.
//
// Client is the consumer side. It waits for availability, sends correlated
// requests with a single-slot five second correlation window, subscribes to
// the event group and tallies per-timer arrival statistics.
//
// # Transports
//
// Two backends register out of the box:
//   - channel: in-process Watermill go-channel broker, used by the tests
//   - nats: core NATS via watermill-nats
//
// Additional backends plug in through RegisterTransport with a
// TransportBuilder.
//
// A minimal setup fills Config (or takes DefaultConfig), builds a transport
// from the registry, and starts a Service or Client with it; see the
// examples directory for both sides of the exchange.
package helloflow
