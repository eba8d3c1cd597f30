package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dzianisv/opencode/internal/provider"
)

const (
	maxRetries           = 3
	maxStreamIdleRetries = 3
	retryInitialInterval = 1 * time.Second
	retryMaxInterval     = 30 * time.Second
	retryMaxElapsedTime  = 2 * time.Minute
)

// streamStalledError is the terminal error after the idle-timeout retry
// budget is spent.
type streamStalledError struct {
	retries  int
	deadline time.Duration
}

func (e *streamStalledError) Error() string {
	return fmt.Sprintf("stream produced no events within %s; gave up after %d retries", e.deadline, e.retries)
}

func newRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithMaxRetries(b, maxRetries)
}

// retryDecision is the outcome of classifying one failed stream attempt.
type retryDecision struct {
	retry    bool
	wait     time.Duration
	attempt  int // 1-based within the failure class
	limit    int
	terminal error // set when retry is false
}

// retryPolicy decides whether a failed attempt is worth another
// connection. Idle timeouts spend their own budget, counted separately
// from transient provider failures, so a flaky-but-alive stream cannot
// starve the stall detector. Successive waits never shrink.
type retryPolicy struct {
	transient   backoff.BackOff
	attempts    int
	idleRetries int
	lastWait    time.Duration
}

func newRetryPolicy() *retryPolicy {
	return &retryPolicy{transient: newRetryBackoff()}
}

func (p *retryPolicy) next(err error) retryDecision {
	var idle *idleTimeoutError
	if errors.As(err, &idle) {
		if p.idleRetries >= maxStreamIdleRetries {
			return retryDecision{terminal: &streamStalledError{
				retries:  p.idleRetries,
				deadline: idle.deadline,
			}}
		}
		p.idleRetries++
		wait := time.Duration(1<<(p.idleRetries-1)) * time.Second
		if wait > retryMaxInterval {
			wait = retryMaxInterval
		}
		return retryDecision{
			retry:   true,
			wait:    p.clamp(wait),
			attempt: p.idleRetries,
			limit:   maxStreamIdleRetries,
		}
	}

	perr := provider.ClassifyError(err)
	if !perr.Retryable() {
		return retryDecision{terminal: perr}
	}

	wait := p.transient.NextBackOff()
	if wait == backoff.Stop {
		return retryDecision{terminal: perr}
	}
	if perr.RetryAfter > wait {
		wait = perr.RetryAfter
	}
	p.attempts++
	return retryDecision{
		retry:   true,
		wait:    p.clamp(wait),
		attempt: p.attempts,
		limit:   maxRetries,
	}
}

func (p *retryPolicy) clamp(wait time.Duration) time.Duration {
	if wait < p.lastWait {
		wait = p.lastWait
	}
	p.lastWait = wait
	return wait
}
