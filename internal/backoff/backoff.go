package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the retry delay for a given attempt count and policy.
// attempts is expected to be >= 0.
func Delay(policy string, base, max time.Duration, attempts int, rng *rand.Rand) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	switch policy {
	case "fixed":
		return minDur(base, max)
	case "linear":
		n := attempts
		if n < 1 {
			n = 1
		}
		return minDur(base*time.Duration(n), max)
	case "exponential":
		return expDelay(base, max, attempts)
	case "exp_equal_jitter":
		d := expDelay(base, max, attempts)
		half := d / 2
		return half + time.Duration(rng.Int63n(int64(half)+1))
	default: // exp_full_jitter
		d := expDelay(base, max, attempts)
		if d <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(d) + 1))
	}
}

func expDelay(base, max time.Duration, attempts int) time.Duration {
	scaled := float64(base) * math.Pow(2, float64(attempts))
	if scaled > float64(max) {
		return max
	}
	return time.Duration(scaled)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
