package queue

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before a retry: Base doubled per attempt,
// capped at Max, with ±Jitter applied as a fraction of the result.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 1 * time.Second, Max: 5 * time.Minute, Jitter: 0.1}
}

// Delay returns the wait after the given attempt number (1-based: the delay
// between attempt N and N+1 is Delay(N)).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		spread := (rand.Float64()*2 - 1) * b.Jitter // [-Jitter, +Jitter)
		d = time.Duration(float64(d) * (1 + spread))
	}
	return d
}
