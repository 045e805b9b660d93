// Package backoff computes retry delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy returns the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	return time.Duration(e.base(attempt))
}

func (e Exponential) base(attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	return d
}

// Jittered picks a random delay in [base/2, base] of the exponential
// schedule so redeliveries of many jobs spread out.
type Jittered struct {
	Exponential
}

func NewJittered(initial, maxDelay time.Duration) Jittered {
	return Jittered{Exponential{Initial: initial, Max: maxDelay}}
}

func (j Jittered) Delay(attempt int) time.Duration {
	b := j.base(attempt)
	return time.Duration(b/2 + rand.Float64()*b/2) //nolint:gosec // jitter only
}
