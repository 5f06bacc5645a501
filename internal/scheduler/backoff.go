package scheduler

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: min(Cap, Base*2^(attempt-1)) plus up to half of that as jitter, clamped to Cap.
// Delays never decrease as attempts grow.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Jitter returns a value in [0, 1). Nil means rand.Float64.
	Jitter func() float64
}

// Delay returns the wait before the retry following attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt && d < b.Cap; i++ {
		d *= 2
	}

	if d > b.Cap {
		d = b.Cap
	}

	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}

	d += time.Duration(jitter() * float64(d/2))
	if d > b.Cap {
		d = b.Cap
	}

	return d
}
