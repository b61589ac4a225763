package dispatcher

import "time"

// maxErrorLen bounds the error text persisted on a delivery row.
const maxErrorLen = 512

// Outcome is the classified result of a single delivery attempt.
type Outcome struct {
	StatusCode int // 0 when the request never completed
	Err        error
	RetryAfter time.Duration // Retry-After hint from the endpoint, 0 when absent
	Duration   time.Duration
}

// Success reports whether the endpoint accepted the delivery (HTTP 2xx).
func (o Outcome) Success() bool {
	return o.Err == nil && o.StatusCode >= 200 && o.StatusCode < 300
}

// Retryable reports whether a failed attempt may be retried. Transport
// errors, 5xx and 429 are transient; any other 4xx is an explicit
// rejection that retries cannot fix.
func (o Outcome) Retryable() bool {
	if o.Err != nil {
		return true
	}
	if o.StatusCode == 429 {
		return true
	}
	return o.StatusCode >= 500
}

// ErrorString returns the attempt error truncated for storage.
func (o Outcome) ErrorString() string {
	if o.Err == nil {
		return ""
	}
	s := o.Err.Error()
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}
