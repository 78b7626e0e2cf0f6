package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff with proportional jitter.
type Policy struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

func Default() Policy {
	return Policy{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Base returns the un-jittered wait for attempt (1-based).
func (p Policy) Base(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := p.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := p.Max
	if max < min {
		max = min
	}
	factor := p.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			return max
		}
		wait = next
	}
	return wait
}

// Next returns the jittered wait for attempt (1-based).
func (p Policy) Next(attempt int) time.Duration {
	wait := p.Base(attempt)
	if p.Jitter <= 0 {
		return wait
	}
	jitter := p.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}
