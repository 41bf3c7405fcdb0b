package replication

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: exponential growth from Base, capped at
// Max, with symmetric random jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	// Jitter is the maximum deviation as a fraction of the delay.
	Jitter float64

	rand func() float64
}

// DefaultBackoff is 1s doubling to 60s with ±20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.2}
}

// Delay returns the wait before the next try after attempt failures
// (attempt starts at 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		d += d * b.Jitter * (2*r() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
