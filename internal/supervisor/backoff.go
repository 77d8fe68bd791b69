package supervisor

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before a session reopen. Delays double from
// Initial and are capped at Max. A zero Initial means reopen immediately.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	base := b.Initial
	for i := 0; i < attempt; i++ {
		base *= 2
		if b.Max > 0 && base >= b.Max {
			base = b.Max
			break
		}
		if base <= 0 { // overflow without a cap
			base = math.MaxInt64 / 2
			break
		}
	}

	// Jitter adds up to half the base.
	if b.Jitter {
		base += time.Duration(rand.Int64N(int64(base/2 + 1)))
	}
	if b.Max > 0 && base > b.Max {
		base = b.Max
	}
	return base
}
