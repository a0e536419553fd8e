package fetch

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// backoffPolicy produces jittered exponential delays, non-decreasing up to
// the cap.
type backoffPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoffPolicy(base, max time.Duration) *backoffPolicy {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	return &backoffPolicy{baseDelay: base, maxDelay: max}
}

// Backoff returns the wait before retry number attempt (0-based). Half the
// delay is fixed so successive delays never shrink; the rest is jitter.
func (p *backoffPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
