package domain

import (
	"math"
	"time"
)

// RetryPolicy defines retry rules for failed calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// Delay returns the wait before the next attempt once attempt attempts have
// been made. r is a uniform sample in [0,1) used for jitter.
//
// Jitter only ever stretches the delay by less than 2x while the exponential
// term doubles per attempt, so successive delays never shrink.
func (p RetryPolicy) Delay(attempt int, r float64) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}
	if attempt < 1 {
		attempt = 1
	}

	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter >= 1 {
		jitter = math.Nextafter(1, 0)
	}
	if r < 0 || r >= 1 {
		r = 0
	}

	delay := float64(base) * math.Pow(2, float64(attempt-1)) * (1 + jitter*r)
	if delay >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}

// Exhausted reports whether no further attempts are allowed.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Normalize fills zero values with sane defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Minute
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter >= 1 {
		p.Jitter = 0.99
	}
	return p
}

// WithDefaults fills the unset fields of p from def and normalises the result.
func (p RetryPolicy) WithDefaults(def RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter == 0 {
		p.Jitter = def.Jitter
	}
	return p.Normalize()
}
