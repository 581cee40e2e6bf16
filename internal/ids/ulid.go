// Package ids generates sortable, unique identifiers for sessions, RPC
// calls, and events.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is a monotonic ULID source. ULIDs generated in the same
// millisecond from the same entropy source are guaranteed to sort after
// their predecessor, which keeps event ordering stable even under bursty
// load within a single session.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new ULID string, e.g. "01HQZX3R7G8K6N5M4P2T1W0V9Y".
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
