package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hooklinehq/hookline/internal/testutil"
)

type mockStore struct {
	mu       sync.Mutex
	requeued int64
	err      error
	cutoffs  []time.Time
	limits   []int
}

func (m *mockStore) RequeueStaleClaims(_ context.Context, claimedBefore, _ time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, claimedBefore)
	m.limits = append(m.limits, limit)
	return m.requeued, m.err
}

func (m *mockStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cutoffs)
}

type mockMetrics struct {
	mu    sync.Mutex
	stale []int
}

func (m *mockMetrics) StaleRequeued(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale = append(m.stale, count)
}

func TestReconciler_RunCycle_CutoffAndBatch(t *testing.T) {
	store := &mockStore{requeued: 3}
	metrics := &mockMetrics{}
	clock := testutil.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

	r := New(Config{Interval: time.Minute, ClaimTimeout: 5 * time.Minute, BatchSize: 50}, store, zerolog.Nop()).
		WithMetrics(metrics).
		WithClock(clock.Now)

	r.RunCycle(testutil.TestContext(t))

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.cutoffs) != 1 {
		t.Fatalf("got %d requeue calls, want 1", len(store.cutoffs))
	}
	wantCutoff := clock.Now().Add(-5 * time.Minute)
	if !store.cutoffs[0].Equal(wantCutoff) {
		t.Errorf("cutoff = %v, want %v", store.cutoffs[0], wantCutoff)
	}
	if store.limits[0] != 50 {
		t.Errorf("batch = %d, want 50", store.limits[0])
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.stale) != 1 || metrics.stale[0] != 3 {
		t.Errorf("metrics = %v, want one call with 3", metrics.stale)
	}
}

func TestReconciler_RunCycle_NothingStale(t *testing.T) {
	store := &mockStore{requeued: 0}
	metrics := &mockMetrics{}
	r := New(DefaultConfig(), store, zerolog.Nop()).WithMetrics(metrics)

	r.RunCycle(testutil.TestContext(t))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.stale) != 0 {
		t.Errorf("metrics recorded for an empty cycle: %v", metrics.stale)
	}
}

func TestReconciler_RunCycle_StoreErrorIsNonFatal(t *testing.T) {
	store := &mockStore{err: errors.New("db down")}
	r := New(DefaultConfig(), store, zerolog.Nop())

	// Must not panic; the next cycle retries.
	r.RunCycle(testutil.TestContext(t))
	r.RunCycle(testutil.TestContext(t))

	if store.calls() != 2 {
		t.Errorf("calls = %d, want 2", store.calls())
	}
}

func TestReconciler_Run_TicksUntilCancelled(t *testing.T) {
	store := &mockStore{}
	r := New(Config{Interval: 10 * time.Millisecond, ClaimTimeout: time.Minute, BatchSize: 10}, store, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for store.calls() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d cycles before deadline, want at least 3", store.calls())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
