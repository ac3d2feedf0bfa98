package ratelimit

import (
	"math"
	"time"

	"github.com/trenches-waitlist/internal/types"
)

// Decision is the immutable outcome of one admission check. It carries what
// a transport adapter needs to emit rate-limit metadata; it knows nothing
// about HTTP.
type Decision struct {
	Admitted  bool
	Class     types.EndpointClass
	Limit     int
	Remaining int
	// Reset is the absolute instant the current window closes.
	Reset time.Time
	// Degraded is set when the counter store failed and the request was
	// admitted without being counted.
	Degraded bool
}

// RetryAfter returns the whole number of seconds until Reset, rounded up.
func (d Decision) RetryAfter(now time.Time) int {
	wait := d.Reset.Sub(now)
	if wait <= 0 {
		return 0
	}
	return int(math.Ceil(wait.Seconds()))
}
