package outbox

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays for transient failures: exponential
// growth from Base by Factor, capped at Cap, with ± Jitter applied so a fleet
// of devices reconnecting together does not retry in lockstep.
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	// Jitter is the fractional spread, e.g. 0.2 for ±20%.
	Jitter float64
	// Rand returns a value in [0,1). Injected by tests; nil uses math/rand.
	Rand func() float64
}

// DefaultBackoff returns the production retry schedule: 2s base, doubling,
// capped at 5 minutes, ±20% jitter.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:   2 * time.Second,
		Factor: 2,
		Cap:    5 * time.Minute,
		Jitter: 0.2,
	}
}

// Delay returns the wait before the given attempt is retried. attempt is
// 1-based: the delay after the first failure is Delay(1).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		d *= 1 + p.Jitter*(2*r()-1)
	}
	return time.Duration(d)
}
