package budget

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/scribe/errors"
)

// Limiter caps provider calls per minute. It is a token bucket refilled at
// maxCallsPerMinute/60 per second with a burst of maxCallsPerMinute, so a
// full minute's allowance can be spent at once and then refills steadily.
type Limiter struct {
	maxCallsPerMinute int
	limiter           *rate.Limiter
	timeNow           func() time.Time // Injectable for testing
}

// NewLimiter creates a rate limiter with real time. Zero or negative
// maxCallsPerMinute disables limiting.
func NewLimiter(maxCallsPerMinute int) *Limiter {
	return NewLimiterWithClock(maxCallsPerMinute, time.Now)
}

// NewLimiterWithClock creates a rate limiter with injectable clock (for testing)
func NewLimiterWithClock(maxCallsPerMinute int, timeNow func() time.Time) *Limiter {
	l := &Limiter{maxCallsPerMinute: maxCallsPerMinute, timeNow: timeNow}
	if maxCallsPerMinute > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(float64(maxCallsPerMinute)/60.0), maxCallsPerMinute)
	}
	return l
}

// Allow reports whether a call may proceed now, consuming one token if so.
func (r *Limiter) Allow() error {
	if r.limiter == nil {
		return nil
	}
	now := r.timeNow()
	if r.limiter.AllowN(now, 1) {
		return nil
	}
	err := errors.Newf("rate limit exceeded: %d calls per minute", r.maxCallsPerMinute)
	err = errors.WithDetail(err, fmt.Sprintf("Tokens available: %.2f", r.limiter.TokensAt(now)))
	return errors.MarkTransient(err)
}

// Wait blocks until a call is allowed or ctx is done.
func (r *Limiter) Wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.MarkTransient(errors.Wrap(err, "rate limiter wait"))
	}
	return nil
}

// Stats returns the configured limit and the calls available right now.
func (r *Limiter) Stats() (limit int, remaining int) {
	if r.limiter == nil {
		return 0, 0
	}
	remaining = int(r.limiter.TokensAt(r.timeNow()))
	if remaining < 0 {
		remaining = 0
	}
	return r.maxCallsPerMinute, remaining
}
