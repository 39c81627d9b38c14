package credit

import (
	"time"

	"golang.org/x/time/rate"
)

// minRefill keeps the limiter out of its zero-rate mode, where burst is spent permanently.
const minRefill = 0.001

// Credits is a per-session token bucket. Tokens are recomputed lazily from the
// elapsed time on every check; nothing ticks in the background.
type Credits struct {
	capacity int
	refill   float64
	limiter  *rate.Limiter
}

// NewCredits returns a full bucket.
func NewCredits(capacity int, refillPerSecond float64) *Credits {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSecond < minRefill {
		refillPerSecond = minRefill
	}
	return &Credits{
		capacity: capacity,
		refill:   refillPerSecond,
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
	}
}

func (c *Credits) Capacity() int {
	return c.capacity
}

func (c *Credits) RefillPerSecond() float64 {
	return c.refill
}

// TokensAt refills the bucket up to now and reports the balance, always in [0, capacity].
func (c *Credits) TokensAt(now time.Time) float64 {
	tokens := c.limiter.TokensAt(now)
	if tokens < 0 {
		return 0
	}
	return tokens
}

// TakeAt deducts one token iff at least one is available at now.
func (c *Credits) TakeAt(now time.Time) bool {
	return c.limiter.AllowN(now, 1)
}
