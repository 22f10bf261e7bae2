package saga

import "time"

// RetryPolicy governs re-invocation of a failed activity by the execution
// substrate. The orchestrator itself never retries; it only observes the
// terminal outcome after the policy is exhausted.
type RetryPolicy struct {
	FirstInterval      time.Duration `json:"first_interval"`
	MaxAttempts        int           `json:"max_attempts"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	MaxInterval        time.Duration `json:"max_interval"`
	Timeout            time.Duration `json:"timeout"`
}

// DefaultRetryPolicy mirrors the policy attached to regular provisioning steps.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		FirstInterval:      time.Second,
		MaxAttempts:        3,
		BackoffCoefficient: 2,
		MaxInterval:        10 * time.Second,
		Timeout:            100 * time.Second,
	}
}

// NoRetryPolicy runs an activity exactly once. Compensation steps use it so a
// rollback failure surfaces immediately instead of being retried forever.
func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Delay returns the wait before the next attempt given the number of attempts
// already retried. The first retry waits FirstInterval; subsequent retries
// grow by BackoffCoefficient up to MaxInterval.
func (p RetryPolicy) Delay(retried int) time.Duration {
	d := p.FirstInterval
	if d <= 0 {
		d = time.Second
	}
	coefficient := p.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 1
	}
	for i := 0; i < retried; i++ {
		d = time.Duration(float64(d) * coefficient)
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// Attempts returns the effective attempt budget, never below one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
