package scheduler

import (
	"math/rand"
	"time"

	"github.com/covergrid/outreachd/internal/models"
)

// Outcome classifies one dispatch attempt. Permanent failures (unknown action
// type, missing contact, rejected credentials) burn no further attempts;
// transient ones (timeouts, gateway unavailability) consume the retry budget.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

// Decision is the next state for an action after an attempt. RetryAt is only
// meaningful when Status is pending.
type Decision struct {
	Status  models.ActionStatus
	RetryAt time.Time
}

const (
	DefaultBackoffBase = 5 * time.Minute
	DefaultBackoffCap  = 2 * time.Hour
)

// RetryPolicy is pure decision logic: no I/O, no clock reads beyond the now
// argument, so it tests in isolation.
type RetryPolicy struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// jitter returns a value in [0,1); overridable in tests.
	jitter func() float64
}

func NewRetryPolicy(base, cap time.Duration) RetryPolicy {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	return RetryPolicy{BackoffBase: base, BackoffCap: cap, jitter: rand.Float64}
}

// Next maps (outcome, attempts, maxAttempts) to the action's next state.
// attempts is the count after the current attempt.
func (p RetryPolicy) Next(outcome Outcome, attempts, maxAttempts int, now time.Time) Decision {
	switch {
	case outcome == OutcomeSuccess:
		return Decision{Status: models.ActionCompleted}
	case outcome == OutcomePermanent:
		return Decision{Status: models.ActionFailed}
	case attempts >= maxAttempts:
		return Decision{Status: models.ActionFailed}
	default:
		return Decision{Status: models.ActionPending, RetryAt: now.Add(p.Backoff(attempts))}
	}
}

// Backoff returns the delay before the attempt after attempt (1-indexed):
// base * 2^(attempt-1) plus up to 10% jitter, capped.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	j := p.jitter
	if j == nil {
		j = rand.Float64
	}
	delay += time.Duration(j() * 0.1 * float64(delay))
	if delay > p.BackoffCap {
		delay = p.BackoffCap
	}
	return delay
}
