package resilience

import (
	"math/rand/v2"
	"time"
)

// Backoff computes delays between retry attempts: exponential growth from
// Base, capped at Max, with a random jitter fraction subtracted so
// simultaneous retriers spread out.
//
// The zero value is usable and applies all defaults.
type Backoff struct {
	// Base is the delay before the first retry. Default: 250ms.
	Base time.Duration

	// Max caps the computed delay. Default: 8s.
	Max time.Duration

	// Factor is the per-attempt growth multiplier. Default: 2.
	Factor float64

	// Jitter is the fraction of the delay randomized away, in [0,1].
	// Zero applies the default of 0.25; negative disables jitter.
	Jitter float64
}

// Delay returns the wait before retry attempt. Attempt is zero-based:
// Delay(0) is the pause before the first retry.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	limit := b.Max
	if limit <= 0 {
		limit = 8 * time.Second
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	jitter := b.Jitter
	if jitter == 0 {
		jitter = 0.25
	}
	if jitter < 0 || jitter > 1 {
		jitter = 0
	}

	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= factor
		if d >= float64(limit) {
			break
		}
	}
	if d > float64(limit) {
		d = float64(limit)
	}
	d -= rand.Float64() * jitter * d
	return time.Duration(d)
}
