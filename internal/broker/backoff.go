package broker

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the jittered exponential delay before reconnect
// attempt n (0-based): base*2^n capped at max, then jittered into
// [d/2, d] so simultaneous reconnecting sessions spread out.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt < 0 {
		attempt = 0
	}
	// Shifts beyond 30 overflow int64 durations long before reaching
	// any sane cap.
	if attempt > 30 {
		attempt = 30
	}

	d := base << uint(attempt)
	if d <= 0 || d > max {
		d = max
	}

	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
