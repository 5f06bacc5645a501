package provider

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/italolelis/audio_fetcher/internal/media"
)

// DefaultMaxWait is how long a call may queue for its budget before it gives up.
const DefaultMaxWait = 2 * time.Second

// Limiter enforces a per-platform request budget. A nil Limiter never limits.
type Limiter struct {
	platform media.Platform
	limiter  *rate.Limiter
	maxWait  time.Duration
}

// NewLimiter allows perSecond requests with the given burst. It returns nil when perSecond is not positive.
func NewLimiter(p media.Platform, perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return nil
	}

	return &Limiter{
		platform: p,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), max(burst, 1)),
		maxWait:  DefaultMaxWait,
	}
}

// Wait blocks until a token is available. When the budget would take longer than the max wait it returns a
// RateLimitedError carrying the delay instead, and gives the token back.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}

	r := l.limiter.Reserve()
	if !r.OK() {
		return &media.RateLimitedError{Platform: l.platform}
	}

	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	if delay > l.maxWait {
		r.Cancel()

		return &media.RateLimitedError{Platform: l.platform, RetryAfter: delay}
	}

	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()

		return ctx.Err()
	}
}
