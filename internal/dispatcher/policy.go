package dispatcher

import (
	"math/rand"
	"time"

	"github.com/hooklinehq/hookline/internal/domain"
)

// Policy maps an attempt outcome to the delivery's next state.
// It is pure apart from jitter; the dispatcher persists whatever it
// decides.
type Policy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	MaxAttempts int

	// Jitter returns a random duration in [0, max). Overridable in tests.
	Jitter func(max time.Duration) time.Duration
}

/// DefaultPolicy returns the standard backoff schedule:
// 30s, 1m, 2m, 4m, 8m... capped at 1h, six attempts total.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   30 * time.Second,
		Factor:      2,
		MaxDelay:    time.Hour,
		MaxAttempts: 6,
	}
}

// Decision is the next state of a delivery after an attempt.
type Decision struct {
	Status        domain.DeliveryStatus // succeeded, retrying or failed
	NextAttemptAt time.Time             // set when Status is retrying
}

// Decide classifies the outcome of attempt number attemptCount (1-based)
// of a series bounded by maxAttempts. maxAttempts comes from the delivery
// row, not the policy: it was snapshotted at creation so later policy
// changes do not alter in-flight series.
func (p Policy) Decide(attemptCount, maxAttempts int, o Outcome, now time.Time) Decision {
	if o.Success() {
		return Decision{Status: domain.DeliveryStatusSucceeded}
	}
	if !o.Retryable() {
		return Decision{Status: domain.DeliveryStatusFailed}
	}
	if attemptCount >= maxAttempts {
		return Decision{Status: domain.DeliveryStatusFailed}
	}

	delay := p.backoff(attemptCount)
	if o.RetryAfter > delay {
		// The endpoint asked for more breathing room than our schedule.
		delay = o.RetryAfter
	}
	delay += p.jitter(delay / 5)

	return Decision{
		Status:        domain.DeliveryStatusRetrying,
		NextAttemptAt: now.Add(delay),
	}
}

// backoff returns the base delay before attempt n+1, ignoring jitter.
// Non-decreasing in n, capped at MaxDelay.
func (p Policy) backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Factor
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func (p Policy) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(max)
	}
	return time.Duration(rand.Int63n(int64(max)))
}
