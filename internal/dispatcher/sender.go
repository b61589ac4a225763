package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hooklinehq/hookline/internal/domain"
)

// DefaultSendTimeout bounds a single delivery attempt.
const DefaultSendTimeout = 10 * time.Second

// HTTPSender posts the frozen payload to the subscription endpoint.
// It performs no retries of its own; the retry policy owns all of that.
type HTTPSender struct {
	client  *http.Client
	timeout time.Duration
}

func NewHTTPSender(timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &HTTPSender{
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Attempt posts the delivery's payload snapshot, signed with the secret
// snapshot. The body is the exact bytes frozen at publish time, so every
// attempt of a series is byte-identical and the signature is stable.
//
// Headers: X-Webhook-Signature (hex HMAC-SHA256), X-Webhook-Event-Id,
// X-Webhook-Event-Type, X-Webhook-Timestamp (attempt time, not publish
// time - receivers must tolerate skew across retries).
func (s *HTTPSender) Attempt(ctx context.Context, targetURL string, d domain.Delivery) Outcome {
	start := time.Now()

	ctxTimeout, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, targetURL, bytes.NewReader(d.Payload))
	if err != nil {
		return Outcome{Err: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(d.SecretSnapshot, d.Payload))
	req.Header.Set("X-Webhook-Event-Id", d.EventID.String())
	req.Header.Set("X-Webhook-Event-Type", d.EventType)
	req.Header.Set("X-Webhook-Timestamp", start.UTC().Format(time.RFC3339))

	resp, err := s.client.Do(req)
	if err != nil {
		return Outcome{Err: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	return Outcome{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Duration:   time.Since(start),
	}
}

// parseRetryAfter handles both forms of the header: delta-seconds and
// an HTTP-date. Unparseable or past values yield 0.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Sign computes the hex HMAC-SHA256 signature of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to validate an incoming delivery.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
