package janitor

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
	mu              sync.Mutex
	deliveries      int64
	events          int64
	deliveryErr     error
	deliveryCutoffs []time.Time
	eventCutoffs    []time.Time
}

func (m *mockStore) PruneTerminalDeliveries(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveryCutoffs = append(m.deliveryCutoffs, olderThan)
	return m.deliveries, m.deliveryErr
}

func (m *mockStore) PruneOrphanEvents(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCutoffs = append(m.eventCutoffs, olderThan)
	return m.events, nil
}

type mockMetrics struct {
	mu     sync.Mutex
	pruned []int
}

func (m *mockMetrics) DeliveriesPruned(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, count)
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "every day at dawn"}, &mockStore{}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error for an unparseable schedule")
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	j, err := New(Config{}, &mockStore{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if j.cfg.Schedule != "0 3 * * *" {
		t.Errorf("schedule = %q, want default", j.cfg.Schedule)
	}
	if j.cfg.Retention != 30*24*time.Hour {
		t.Errorf("retention = %v, want 30 days", j.cfg.Retention)
	}
}

func TestJanitor_RunCycle(t *testing.T) {
	store := &mockStore{deliveries: 40, events: 7}
	metrics := &mockMetrics{}
	clock := testutil.NewFakeClock(time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC))

	j, err := New(Config{Retention: 30 * 24 * time.Hour}, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	j.WithMetrics(metrics).WithClock(clock.Now)

	j.RunCycle(testutil.TestContext(t))

	store.mu.Lock()
	defer store.mu.Unlock()
	wantCutoff := clock.Now().Add(-30 * 24 * time.Hour)
	if len(store.deliveryCutoffs) != 1 || !store.deliveryCutoffs[0].Equal(wantCutoff) {
		t.Errorf("delivery cutoffs = %v, want [%v]", store.deliveryCutoffs, wantCutoff)
	}
	if len(store.eventCutoffs) != 1 || !store.eventCutoffs[0].Equal(wantCutoff) {
		t.Errorf("event cutoffs = %v, want [%v]", store.eventCutoffs, wantCutoff)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.pruned) != 1 || metrics.pruned[0] != 40 {
		t.Errorf("metrics = %v, want one call with 40", metrics.pruned)
	}
}

func TestJanitor_RunCycle_DeliveryErrorSkipsEventPrune(t *testing.T) {
	store := &mockStore{deliveryErr: errors.New("db down")}
	j, err := New(Config{}, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	j.RunCycle(testutil.TestContext(t))

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.eventCutoffs) != 0 {
		t.Error("event prune must not run when the delivery prune failed")
	}
}

func TestJanitor_RunCycle_NothingPruned(t *testing.T) {
	store := &mockStore{}
	metrics := &mockMetrics{}
	j, err := New(Config{}, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	j.WithMetrics(metrics)

	j.RunCycle(testutil.TestContext(t))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.pruned) != 0 {
		t.Errorf("metrics recorded for an empty cycle: %v", metrics.pruned)
	}
}

func TestJanitor_ScheduleNext(t *testing.T) {
	j, err := New(Config{Schedule: "0 3 * * *"}, &mockStore{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	next := j.schedule.Next(at)
	want := time.Date(2025, 3, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", at, next, want)
	}
}
