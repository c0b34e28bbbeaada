package async

import "time"

// Backoff computes retry delays: base * 2^(attempt-1), capped at Max
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is 2s doubling up to 5m
var DefaultBackoff = Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}

// Delay returns the wait before the retry that follows attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	max := b.Max
	if max <= 0 {
		max = DefaultBackoff.Max
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
