package transport

import "errors"

// ErrUnknownTransport is returned by Build when the configured transport
// name has no registered builder.
var ErrUnknownTransport = errors.New("unknown transport")

// Capabilities describes what a transport backend can do. The runtimes use
// it to warn when configuration asks for something the backend ignores.
type Capabilities struct {
	// Reliable reports whether the reliable delivery flag is honored
	// rather than treated as metadata only.
	Reliable bool

	// CrossProcess reports whether two applications in different
	// processes can reach each other through this backend.
	CrossProcess bool
}
