package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hooklinehq/hookline/internal/domain"
)

func testDelivery() domain.Delivery {
	return domain.Delivery{
		ID:             uuid.New(),
		EventID:        uuid.New(),
		SubscriptionID: uuid.New(),
		TenantID:       "acme",
		EventType:      "invoice.created",
		AttemptCount:   1,
		MaxAttempts:    6,
		SecretSnapshot: "whsec_test",
		Payload:        []byte(`{"id":"evt_1","type":"invoice.created","data":{"amount":100}}`),
	}
}

func TestHTTPSender_Attempt_HeadersAndBody(t *testing.T) {
	d := testDelivery()

	var mu sync.Mutex
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotHeader = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewHTTPSender(5 * time.Second)
	outcome := sender.Attempt(context.Background(), srv.URL, d)

	if !outcome.Success() {
		t.Fatalf("Attempt() outcome = %+v, want success", outcome)
	}

	mu.Lock()
	defer mu.Unlock()
	if string(gotBody) != string(d.Payload) {
		t.Errorf("body = %s, want payload snapshot %s", gotBody, d.Payload)
	}
	if got := gotHeader.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := gotHeader.Get("X-Webhook-Event-Id"); got != d.EventID.String() {
		t.Errorf("X-Webhook-Event-Id = %q, want %q", got, d.EventID)
	}
	if got := gotHeader.Get("X-Webhook-Event-Type"); got != d.EventType {
		t.Errorf("X-Webhook-Event-Type = %q, want %q", got, d.EventType)
	}
	if _, err := time.Parse(time.RFC3339, gotHeader.Get("X-Webhook-Timestamp")); err != nil {
		t.Errorf("X-Webhook-Timestamp = %q, not RFC3339: %v", gotHeader.Get("X-Webhook-Timestamp"), err)
	}

	sig := gotHeader.Get("X-Webhook-Signature")
	if !VerifySignature(d.SecretSnapshot, gotBody, sig) {
		t.Error("signature does not verify against the received body")
	}
	if VerifySignature("whsec_other", gotBody, sig) {
		t.Error("signature verifies under a different secret")
	}
}

func TestHTTPSender_Attempt_ByteIdenticalAcrossRetries(t *testing.T) {
	d := testDelivery()

	var mu sync.Mutex
	var bodies []string
	var sigs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		sigs = append(sigs, r.Header.Get("X-Webhook-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sender := NewHTTPSender(5 * time.Second)
	for i := 0; i < 3; i++ {
		sender.Attempt(context.Background(), srv.URL, d)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 3 {
		t.Fatalf("got %d attempts, want 3", len(bodies))
	}
	for i := 1; i < 3; i++ {
		if bodies[i] != bodies[0] {
			t.Errorf("attempt %d body differs from attempt 1", i+1)
		}
		if sigs[i] != sigs[0] {
			t.Errorf("attempt %d signature differs from attempt 1", i+1)
		}
	}
}

func TestHTTPSender_Attempt_RetryAfterHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sender := NewHTTPSender(5 * time.Second)
	outcome := sender.Attempt(context.Background(), srv.URL, testDelivery())

	if outcome.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", outcome.StatusCode)
	}
	if outcome.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", outcome.RetryAfter)
	}
	if outcome.Retryable() != true {
		t.Error("503 outcome should be retryable")
	}
}

func TestHTTPSender_Attempt_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	sender := NewHTTPSender(50 * time.Millisecond)
	outcome := sender.Attempt(context.Background(), srv.URL, testDelivery())

	if outcome.Err == nil {
		t.Fatal("expected a timeout error")
	}
	if outcome.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for a request that never completed", outcome.StatusCode)
	}
	if !outcome.Retryable() {
		t.Error("timeout outcome should be retryable")
	}
}

func TestHTTPSender_Attempt_ConnectionRefused(t *testing.T) {
	// Reserve a port and close it so nothing listens there.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	sender := NewHTTPSender(time.Second)
	outcome := sender.Attempt(context.Background(), url, testDelivery())

	if outcome.Err == nil {
		t.Fatal("expected a connection error")
	}
	if !outcome.Retryable() {
		t.Error("connection error should be retryable")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"delta seconds", "120", 120 * time.Second},
		{"zero", "0", 0},
		{"negative", "-5", 0},
		{"garbage", "soon", 0},
		{"http date future", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"http date past", now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.value, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestSign_Deterministic(t *testing.T) {
	body := []byte(`{"hello":"world"}`)

	a := Sign("whsec_abc", body)
	b := Sign("whsec_abc", body)
	if a != b {
		t.Error("same secret and body must produce the same signature")
	}
	if Sign("whsec_other", body) == a {
		t.Error("different secrets must produce different signatures")
	}
	if Sign("whsec_abc", []byte(`{"hello":"tampered"}`)) == a {
		t.Error("different bodies must produce different signatures")
	}
	if len(a) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(a))
	}
}
