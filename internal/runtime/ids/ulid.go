// Package ids mints the opaque correlation identifiers attached to outbound
// requests. IDs are monotonic per process, so later sends always compare
// greater, which is what lets stray replies from overwritten calls be told
// apart from the active one.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewCorrelationID returns a time-sortable ULID encoded as a 26-character
// string.
func NewCorrelationID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}
