package queue

import (
	"errors"
	"time"
)

// RetryPolicy bounds how often and how late a failed task is retried.
// Countdown receives the number of retries already performed.
type RetryPolicy struct {
	MaxRetries int
	Countdown  func(retries int) time.Duration
}

// NoRetry fails a task on its first error.
var NoRetry = RetryPolicy{}

// Fixed retries up to max times with a constant delay.
func Fixed(max int, delay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: max,
		Countdown:  func(int) time.Duration { return delay },
	}
}

// Linear retries up to max times, waiting step × (retries+1).
func Linear(max int, step time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: max,
		Countdown:  func(retries int) time.Duration { return step * time.Duration(retries+1) },
	}
}

func (p RetryPolicy) delay(retries int) time.Duration {
	if p.Countdown == nil {
		return 0
	}
	return p.Countdown(retries)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
