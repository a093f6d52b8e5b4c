package domain

import "time"

// RetryPolicy describes how a caller that chooses to retry should grow its
// timeout between attempts. The gateway never retries on its own.
type RetryPolicy struct {
	BaseTimeout time.Duration `json:"baseTimeout"`
	Multiplier  float64       `json:"multiplier"`
	MaxTimeout  time.Duration `json:"maxTimeout"`
	MaxAttempts int           `json:"maxAttempts"`
}

// DefaultRetryPolicy starts at the default query timeout and doubles up to 5 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseTimeout: DefaultQueryTimeout,
		Multiplier:  2,
		MaxTimeout:  5 * time.Minute,
		MaxAttempts: 3,
	}
}

// TimeoutFor returns the timeout for a zero-based attempt number.
func (p RetryPolicy) TimeoutFor(attempt int) time.Duration {
	base := p.BaseTimeout
	if base <= 0 {
		base = DefaultQueryTimeout
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= mult
		if p.MaxTimeout > 0 && d >= float64(p.MaxTimeout) {
			return p.MaxTimeout
		}
	}
	if p.MaxTimeout > 0 && time.Duration(d) > p.MaxTimeout {
		return p.MaxTimeout
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt is allowed after attempt.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt+1 < p.MaxAttempts
}
