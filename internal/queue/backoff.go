package queue

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: min(max, base * 2^attempt) plus
// proportional jitter, capped so successive delays never decrease.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// rand returns a value in [0, 1); overridable in tests.
	rand func() float64
}

// DefaultBackoff returns the standard retry tuning: 1s base doubling up
// to a 30s cap.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	exp := base
	for i := 0; i < attempt && exp < max; i++ {
		exp *= 2
	}
	if exp > max {
		exp = max
	}

	rnd := b.rand
	if rnd == nil {
		rnd = rand.Float64
	}
	// Jitter is bounded by a quarter of the exponential term, so the next
	// doubling always dominates and the sequence stays non-decreasing.
	jitter := time.Duration(rnd() * 0.25 * float64(exp))

	d := exp + jitter
	if d > max {
		d = max
	}
	return d
}
