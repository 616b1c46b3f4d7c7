package workflow

import "time"

// RetryPolicy bounds how often a single step is re-executed
type RetryPolicy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	// Durable makes the budget span runs of the same key: attempts started
	// by earlier runs count against it. Otherwise each run gets a fresh budget.
	Durable bool
}

// Attempts returns the total number of executions the policy allows
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Backoff returns the delay before the given retry (1-based)
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry <= 0 || p.InitialBackoff <= 0 {
		return 0
	}

	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.InitialBackoff)
	for i := 1; i < retry; i++ {
		delay *= mult
		if p.MaxBackoff > 0 && delay >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}

	if p.MaxBackoff > 0 && time.Duration(delay) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(delay)
}
