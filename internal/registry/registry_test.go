package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hooklinehq/hookline/internal/domain"
	"github.com/hooklinehq/hookline/internal/testutil"
)

type mockStore struct {
	mu           sync.Mutex
	subs         map[uuid.UUID]domain.Subscription
	deactivated  []uuid.UUID
	deleted      []uuid.UUID
	cancelCount  int64
	outcomes     []bool
	failureCount int
}

func newMockStore() *mockStore {
	return &mockStore{subs: make(map[uuid.UUID]domain.Subscription)}
}

func (m *mockStore) InsertSubscription(_ context.Context, sub domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *mockStore) GetSubscription(_ context.Context, tenantID string, id uuid.UUID) (domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.TenantID != tenantID {
		return domain.Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (m *mockStore) ListSubscriptions(_ context.Context, tenantID string, limit, offset int) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range m.subs {
		if sub.TenantID == tenantID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateSubscription(_ context.Context, sub domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = sub
	return nil
}

func (m *mockStore) DeleteSubscription(_ context.Context, tenantID string, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.TenantID != tenantID {
		return 0, ErrNotFound
	}
	delete(m.subs, id)
	m.deleted = append(m.deleted, id)
	return m.cancelCount, nil
}

func (m *mockStore) DeactivateSubscription(_ context.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		sub.Active = false
		m.subs[id] = sub
	}
	m.deactivated = append(m.deactivated, id)
	return m.cancelCount, nil
}

func (m *mockStore) FindActiveSubscriptions(_ context.Context, tenantID, eventType string) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range m.subs {
		if sub.TenantID == tenantID && sub.Active && sub.Filter.Matches(eventType) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateSecret(_ context.Context, tenantID string, id uuid.UUID, secret string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.TenantID != tenantID {
		return ErrNotFound
	}
	sub.Secret = secret
	sub.UpdatedAt = now
	m.subs[id] = sub
	return nil
}

func (m *mockStore) RecordSubscriptionOutcome(_ context.Context, id uuid.UUID, success bool, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, success)
	if success {
		m.failureCount = 0
	} else {
		m.failureCount++
	}
	return m.failureCount, nil
}

func (m *mockStore) deactivations() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, len(m.deactivated))
	copy(out, m.deactivated)
	return out
}

type mockMetrics struct {
	mu      sync.Mutex
	tripped int
}

func (m *mockMetrics) BreakerTripped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tripped++
}

func newTestRegistry(store Store) *Registry {
	clock := testutil.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	return New(DefaultConfig(), store, zerolog.Nop()).WithClock(clock.Now)
}

func TestRegistry_Create(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store)

	sub, err := r.Create(testutil.TestContext(t), CreateParams{
		TenantID:   "acme",
		TargetURL:  "https://example.com/hooks",
		EventTypes: []string{"invoice.created", "invoice.paid"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !sub.Active {
		t.Error("new subscriptions must start active")
	}
	if !strings.HasPrefix(sub.Secret, "whsec_") {
		t.Errorf("secret = %q, want whsec_ prefix", sub.Secret)
	}
	if sub.Filter.Matches("file.uploaded") {
		t.Error("filter must reject event types outside the subscribed set")
	}
	if !sub.Filter.Matches("invoice.paid") {
		t.Error("filter must accept subscribed event types")
	}
}

func TestRegistry_Create_Validation(t *testing.T) {
	r := newTestRegistry(newMockStore())
	ctx := testutil.TestContext(t)

	tests := []struct {
		name   string
		params CreateParams
	}{
		{"missing tenant", CreateParams{TargetURL: "https://example.com"}},
		{"missing url", CreateParams{TenantID: "acme"}},
		{"bad scheme", CreateParams{TenantID: "acme", TargetURL: "ftp://example.com/hooks"}},
		{"no host", CreateParams{TenantID: "acme", TargetURL: "https:///hooks"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Create(ctx, tt.params); err == nil {
				t.Error("Create() should reject invalid params")
			}
		})
	}
}

func TestRegistry_Create_WildcardFilter(t *testing.T) {
	r := newTestRegistry(newMockStore())

	sub, err := r.Create(testutil.TestContext(t), CreateParams{
		TenantID:  "acme",
		TargetURL: "https://example.com/hooks",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !sub.Filter.IsAll() {
		t.Error("empty event type list must subscribe to all events")
	}
}

func TestRegistry_Update_DeactivationCancelsOpenDeliveries(t *testing.T) {
	store := newMockStore()
	store.cancelCount = 3
	r := newTestRegistry(store)
	ctx := testutil.TestContext(t)

	sub, err := r.Create(ctx, CreateParams{TenantID: "acme", TargetURL: "https://example.com/hooks"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	inactive := false
	updated, err := r.Update(ctx, "acme", sub.ID, UpdateParams{Active: &inactive})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Active {
		t.Error("subscription should be inactive after update")
	}
	if got := store.deactivations(); len(got) != 1 || got[0] != sub.ID {
		t.Errorf("deactivations = %v, want [%s]", got, sub.ID)
	}
}

func TestRegistry_Update_ReactivationResetsFailures(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store)
	ctx := testutil.TestContext(t)

	sub, _ := r.Create(ctx, CreateParams{TenantID: "acme", TargetURL: "https://example.com/hooks"})

	store.mu.Lock()
	s := store.subs[sub.ID]
	s.Active = false
	s.ConsecutiveFailures = 7
	store.subs[sub.ID] = s
	store.mu.Unlock()

	active := true
	updated, err := r.Update(ctx, "acme", sub.ID, UpdateParams{Active: &active})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !updated.Active || updated.ConsecutiveFailures != 0 {
		t.Errorf("updated = %+v, want active with zero consecutive failures", updated)
	}
}

func TestRegistry_Update_TenantIsolation(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store)
	ctx := testutil.TestContext(t)

	sub, _ := r.Create(ctx, CreateParams{TenantID: "acme", TargetURL: "https://example.com/hooks"})

	url := "https://evil.example.com/hooks"
	if _, err := r.Update(ctx, "other-tenant", sub.ID, UpdateParams{TargetURL: &url}); err == nil {
		t.Error("Update() across tenants must fail")
	}
	if _, err := r.Get(ctx, "other-tenant", sub.ID); err == nil {
		t.Error("Get() across tenants must fail")
	}
}

func TestRegistry_RotateSecret(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store)
	ctx := testutil.TestContext(t)

	sub, _ := r.Create(ctx, CreateParams{TenantID: "acme", TargetURL: "https://example.com/hooks"})

	rotated, err := r.RotateSecret(ctx, "acme", sub.ID)
	if err != nil {
		t.Fatalf("RotateSecret() error = %v", err)
	}
	if rotated == sub.Secret {
		t.Error("rotation must produce a fresh secret")
	}
	if !strings.HasPrefix(rotated, "whsec_") {
		t.Errorf("rotated secret = %q, want whsec_ prefix", rotated)
	}

	got, _ := r.Get(ctx, "acme", sub.ID)
	if got.Secret != rotated {
		t.Error("stored secret must match the rotated value")
	}
}

func TestRegistry_FindActive_SkipsInactiveAndFiltered(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store)
	ctx := testutil.TestContext(t)

	matching, _ := r.Create(ctx, CreateParams{
		TenantID: "acme", TargetURL: "https://a.example.com/hooks",
		EventTypes: []string{"invoice.created"},
	})
	r.Create(ctx, CreateParams{
		TenantID: "acme", TargetURL: "https://b.example.com/hooks",
		EventTypes: []string{"file.uploaded"},
	})
	inactive, _ := r.Create(ctx, CreateParams{
		TenantID: "acme", TargetURL: "https://c.example.com/hooks",
	})
	off := false
	r.Update(ctx, "acme", inactive.ID, UpdateParams{Active: &off})
	r.Create(ctx, CreateParams{
		TenantID: "globex", TargetURL: "https://d.example.com/hooks",
	})

	subs, err := r.FindActive(ctx, "acme", "invoice.created")
	if err != nil {
		t.Fatalf("FindActive() error = %v", err)
	}
	if len(subs) != 1 || subs[0].ID != matching.ID {
		t.Errorf("FindActive() = %d subs, want only the matching active one", len(subs))
	}
}

func TestRegistry_RecordOutcome_TripsBreakerAtThreshold(t *testing.T) {
	store := newMockStore()
	store.cancelCount = 2
	metrics := &mockMetrics{}
	r := New(Config{BreakerThreshold: 3}, store, zerolog.Nop()).WithMetrics(metrics)
	ctx := testutil.TestContext(t)

	sub, _ := r.Create(ctx, CreateParams{TenantID: "acme", TargetURL: "https://example.com/hooks"})

	for i := 0; i < 2; i++ {
		if err := r.RecordOutcome(ctx, sub.ID, false); err != nil {
			t.Fatalf("RecordOutcome() error = %v", err)
		}
	}
	if got := store.deactivations(); len(got) != 0 {
		t.Fatalf("breaker tripped below threshold, deactivations = %v", got)
	}

	if err := r.RecordOutcome(ctx, sub.ID, false); err != nil {
		t.Fatalf("RecordOutcome() error = %v", err)
	}
	if got := store.deactivations(); len(got) != 1 || got[0] != sub.ID {
		t.Fatalf("deactivations = %v, want [%s]", got, sub.ID)
	}
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.tripped != 1 {
		t.Errorf("BreakerTripped calls = %d, want 1", metrics.tripped)
	}
}

func TestRegistry_RecordOutcome_SuccessResetsCounter(t *testing.T) {
	store := newMockStore()
	r := New(Config{BreakerThreshold: 3}, store, zerolog.Nop())
	ctx := testutil.TestContext(t)

	sub, _ := r.Create(ctx, CreateParams{TenantID: "acme", TargetURL: "https://example.com/hooks"})

	// Two failures, a success, then two more failures: never reaches 3.
	outcomes := []bool{false, false, true, false, false}
	for _, success := range outcomes {
		if err := r.RecordOutcome(ctx, sub.ID, success); err != nil {
			t.Fatalf("RecordOutcome() error = %v", err)
		}
	}
	if got := store.deactivations(); len(got) != 0 {
		t.Errorf("breaker must not trip when successes reset the streak, deactivations = %v", got)
	}
}

func TestRegistry_RecordOutcome_BreakerDisabled(t *testing.T) {
	store := newMockStore()
	r := New(Config{BreakerThreshold: 0}, store, zerolog.Nop())
	ctx := testutil.TestContext(t)

	sub, _ := r.Create(ctx, CreateParams{TenantID: "acme", TargetURL: "https://example.com/hooks"})

	for i := 0; i < 25; i++ {
		if err := r.RecordOutcome(ctx, sub.ID, false); err != nil {
			t.Fatalf("RecordOutcome() error = %v", err)
		}
	}
	if got := store.deactivations(); len(got) != 0 {
		t.Errorf("threshold 0 disables the breaker, deactivations = %v", got)
	}
}

func TestNewSecret_Unique(t *testing.T) {
	a, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret() error = %v", err)
	}
	b, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret() error = %v", err)
	}
	if a == b {
		t.Error("secrets must be unique")
	}
	if len(a) != len("whsec_")+64 {
		t.Errorf("secret length = %d, want %d", len(a), len("whsec_")+64)
	}
}
