// Package registry owns webhook subscriptions: creation, filtering
// lookups, secret rotation and the failure-driven circuit breaker.
// Breaker state is durable (counters on the subscription row), so it
// survives restarts and is shared by all workers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hooklinehq/hookline/internal/domain"
)

var ErrNotFound = errors.New("subscription not found")

type Store interface {
	InsertSubscription(ctx context.Context, sub domain.Subscription) error
	GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (domain.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string, limit, offset int) ([]domain.Subscription, error)
	UpdateSubscription(ctx context.Context, sub domain.Subscription) error
	// DeleteSubscription removes the subscription and cancels its open
	// deliveries in one transaction. Returns the number cancelled.
	DeleteSubscription(ctx context.Context, tenantID string, id uuid.UUID) (int64, error)
	// DeactivateSubscription sets active=false and cancels pending and
	// retrying deliveries atomically. Returns the number cancelled.
	DeactivateSubscription(ctx context.Context, id uuid.UUID) (int64, error)
	FindActiveSubscriptions(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error)
	UpdateSecret(ctx context.Context, tenantID string, id uuid.UUID, secret string, now time.Time) error
	// RecordSubscriptionOutcome updates the health counters: success
	// resets consecutive_failures to zero, failure increments it.
	// Returns the counter value after the update.
	RecordSubscriptionOutcome(ctx context.Context, id uuid.UUID, success bool, at time.Time) (int, error)
}

// MetricsSink records registry metrics.
type MetricsSink interface {
	BreakerTripped()
}

type Config struct {
	// BreakerThreshold is the number of consecutive terminal failures
	// after which a subscription is automatically deactivated. 0 disables
	// the breaker.
	BreakerThreshold int
}

func DefaultConfig() Config {
	return Config{BreakerThreshold: 10}
}

type Registry struct {
	cfg     Config
	store   Store
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
	log     zerolog.Logger
}

func New(cfg Config, store Store, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:   cfg,
		store: store,
		clock: time.Now,
		log:   log,
	}
}

func (r *Registry) WithMetrics(sink MetricsSink) *Registry {
	r.metrics = sink
	return r
}

// WithClock overrides the time source for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// CreateParams carries the caller-supplied subscription configuration.
type CreateParams struct {
	TenantID   string
	TargetURL  string
	EventTypes []string // empty or ["*"] subscribes to everything
}

// Create validates and persists a new subscription. The generated
// secret is present on the returned record; this is the only time it
// leaves the registry in response to a management call.
func (r *Registry) Create(ctx context.Context, p CreateParams) (domain.Subscription, error) {
	if p.TenantID == "" {
		return domain.Subscription{}, fmt.Errorf("tenant_id is required")
	}
	if err := ValidateTargetURL(p.TargetURL); err != nil {
		return domain.Subscription{}, fmt.Errorf("invalid target_url: %w", err)
	}

	secret, err := NewSecret()
	if err != nil {
		return domain.Subscription{}, err
	}

	now := r.clock().UTC()
	sub := domain.Subscription{
		ID:        uuid.New(),
		TenantID:  p.TenantID,
		TargetURL: p.TargetURL,
		Secret:    secret,
		Filter:    domain.ParseFilter(p.EventTypes),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.store.InsertSubscription(ctx, sub); err != nil {
		return domain.Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}

	r.log.Info().Str("subscription_id", sub.ID.String()).Str("tenant_id", sub.TenantID).
		Str("target_url", sub.TargetURL).Msg("subscription created")
	return sub, nil
}

// Get returns the full subscription record, secret included; the API
// layer is responsible for redacting it toward external callers.
func (r *Registry) Get(ctx context.Context, tenantID string, id uuid.UUID) (domain.Subscription, error) {
	return r.store.GetSubscription(ctx, tenantID, id)
}

func (r *Registry) List(ctx context.Context, tenantID string, limit, offset int) ([]domain.Subscription, error) {
	return r.store.ListSubscriptions(ctx, tenantID, limit, offset)
}

// UpdateParams carries optional changes; nil fields are left untouched.
type UpdateParams struct {
	TargetURL  *string
	EventTypes []string // nil = unchanged
	Active     *bool
}

// Update applies configuration changes. Deactivation cancels the
// subscription's open deliveries; manual reactivation clears the
// failure counter so the breaker starts fresh.
func (r *Registry) Update(ctx context.Context, tenantID string, id uuid.UUID, p UpdateParams) (domain.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, tenantID, id)
	if err != nil {
		return domain.Subscription{}, err
	}

	if p.TargetURL != nil {
		if err := ValidateTargetURL(*p.TargetURL); err != nil {
			return domain.Subscription{}, fmt.Errorf("invalid target_url: %w", err)
		}
		sub.TargetURL = *p.TargetURL
	}
	if p.EventTypes != nil {
		sub.Filter = domain.ParseFilter(p.EventTypes)
	}

	deactivate := false
	if p.Active != nil {
		if sub.Active && !*p.Active {
			deactivate = true
		}
		if !sub.Active && *p.Active {
			sub.ConsecutiveFailures = 0
		}
		sub.Active = *p.Active
	}

	sub.UpdatedAt = r.clock().UTC()
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return domain.Subscription{}, fmt.Errorf("update subscription: %w", err)
	}

	if deactivate {
		cancelled, err := r.store.DeactivateSubscription(ctx, id)
		if err != nil {
			return domain.Subscription{}, fmt.Errorf("deactivate subscription: %w", err)
		}
		r.log.Info().Str("subscription_id", id.String()).Int64("cancelled", cancelled).Msg("subscription deactivated")
	}

	return sub, nil
}

// Delete removes the subscription and cancels its open deliveries.
// Terminal delivery history for the subscription is retained.
func (r *Registry) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	cancelled, err := r.store.DeleteSubscription(ctx, tenantID, id)
	if err != nil {
		return err
	}
	r.log.Info().Str("subscription_id", id.String()).Int64("cancelled", cancelled).Msg("subscription deleted")
	return nil
}

// RotateSecret atomically replaces the signing secret and returns the
// new value once. Deliveries created before the rotation keep signing
// with the snapshot they captured; only new deliveries use this secret.
func (r *Registry) RotateSecret(ctx context.Context, tenantID string, id uuid.UUID) (string, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", err
	}
	if err := r.store.UpdateSecret(ctx, tenantID, id, secret, r.clock().UTC()); err != nil {
		return "", fmt.Errorf("rotate secret: %w", err)
	}
	r.log.Info().Str("subscription_id", id.String()).Msg("secret rotated")
	return secret, nil
}

// FindActive answers "which active subscriptions want this event type
// for this tenant". Inactive subscriptions never match.
func (r *Registry) FindActive(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error) {
	return r.store.FindActiveSubscriptions(ctx, tenantID, eventType)
}

// RecordOutcome updates the subscription's health after a terminal
// delivery outcome and trips the circuit breaker when the consecutive
// failure count reaches the threshold. Tripping deactivates the
// subscription and cancels its remaining open deliveries; it never
// touches deliveries already terminal.
func (r *Registry) RecordOutcome(ctx context.Context, subscriptionID uuid.UUID, success bool) error {
	failures, err := r.store.RecordSubscriptionOutcome(ctx, subscriptionID, success, r.clock().UTC())
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}

	if success || r.cfg.BreakerThreshold <= 0 || failures < r.cfg.BreakerThreshold {
		return nil
	}

	cancelled, err := r.store.DeactivateSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("trip breaker: %w", err)
	}
	if r.metrics != nil {
		r.metrics.BreakerTripped()
	}
	r.log.Warn().Str("subscription_id", subscriptionID.String()).Int("consecutive_failures", failures).
		Int64("cancelled", cancelled).Msg("circuit breaker tripped, subscription deactivated")
	return nil
}
