package provider

import (
	"time"
)

// RetryPolicy runs an operation with exponential backoff. Only retryable
// kinds are retried; a started sequence always runs to completion.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      int
	Sleep       func(time.Duration)
}

// DefaultRetryPolicy allows 4 attempts with 1s, 2s and 4s between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		Factor:      2,
		Sleep:       time.Sleep,
	}
}

// Delay returns the pause after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= time.Duration(p.Factor)
	}
	return d
}

// Do calls fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. It returns the last error and the number of
// attempts made.
func (p RetryPolicy) Do(fn func(attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}
		if !KindOf(err).Retryable() || attempt == maxAttempts {
			return attempt, err
		}
		sleep(p.Delay(attempt))
	}
	return maxAttempts, err
}
