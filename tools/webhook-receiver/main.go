// webhook-receiver is a debugging endpoint for hookline deliveries. It
// records every request, verifies X-Webhook-Signature when SECRET is
// set, and can simulate a failing subscriber via FAIL_COUNT.
//
// Usage:
//
//	ADDR=":9999" SECRET="whsec_..." go run ./tools/webhook-receiver
//
//	FAIL_COUNT=3             fail the first 3 deliveries with FAIL_STATUS
//	FAIL_STATUS=503          status for simulated failures (default 500)
//	RETRY_AFTER=30           Retry-After header on simulated failures
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

type delivery struct {
	Timestamp      string `json:"timestamp"`
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	SignatureValid *bool  `json:"signature_valid,omitempty"`
	Body           string `json:"body"`
}

type stats struct {
	Count          int64      `json:"count"`
	Failed         int64      `json:"failed"`
	LastDeliveries []delivery `json:"last_deliveries"`
	Since          string     `json:"since"`
}

var (
	mu             sync.Mutex
	count          int64
	failed         int64
	lastDeliveries []delivery
	since          time.Time
	failRemaining  int
	maxStored      = 50

	secret     = os.Getenv("SECRET")
	failStatus = envInt("FAIL_STATUS", http.StatusInternalServerError)
	retryAfter = os.Getenv("RETRY_AFTER")
)

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	since = time.Now().UTC()
	failRemaining = envInt("FAIL_COUNT", 0)

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/hook", hookHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		failed = 0
		lastDeliveries = nil
		since = time.Now().UTC()
		failRemaining = envInt("FAIL_COUNT", 0)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("webhook-receiver listening on %s (secret=%v, fail_count=%d)",
		addr, secret != "", failRemaining)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func hookHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	d := delivery{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventID:   r.Header.Get("X-Webhook-Event-Id"),
		EventType: r.Header.Get("X-Webhook-Event-Type"),
		Body:      string(body),
	}

	if secret != "" {
		valid := verifySignature(secret, body, r.Header.Get("X-Webhook-Signature"))
		d.SignatureValid = &valid
	}

	mu.Lock()
	count++
	current := count
	lastDeliveries = append(lastDeliveries, d)
	if len(lastDeliveries) > maxStored {
		lastDeliveries = lastDeliveries[len(lastDeliveries)-maxStored:]
	}
	simulateFailure := failRemaining > 0
	if simulateFailure {
		failRemaining--
		failed++
	}
	mu.Unlock()

	if d.SignatureValid != nil && !*d.SignatureValid {
		log.Printf("delivery #%d: BAD SIGNATURE (event=%s type=%s)", current, d.EventID, d.EventType)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintln(w, `{"error":"invalid signature"}`)
		return
	}

	if simulateFailure {
		log.Printf("delivery #%d: simulating failure %d (event=%s)", current, failStatus, d.EventID)
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		w.WriteHeader(failStatus)
		fmt.Fprintln(w, `{"error":"simulated failure"}`)
		return
	}

	log.Printf("delivery #%d: event=%s type=%s", current, d.EventID, d.EventType)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:          count,
		Failed:         failed,
		LastDeliveries: lastDeliveries,
		Since:          since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		log.Printf("stats encode error: %v", err)
	}
}
