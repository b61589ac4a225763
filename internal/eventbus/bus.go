// Package eventbus accepts published events and fans them out into
// delivery rows. The fan-out is transactional: the event and all of its
// pending deliveries commit together, so a crash between publish and
// dispatch loses nothing.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hooklinehq/hookline/internal/catalog"
	"github.com/hooklinehq/hookline/internal/domain"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidPayload   = errors.New("payload is not valid JSON")
)

// SubscriptionFinder resolves the active subscriptions interested in an
// event type for a tenant.
type SubscriptionFinder interface {
	FindActive(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error)
}

type Store interface {
	// InsertEventWithDeliveries persists the event and its delivery rows in
	// one transaction.
	InsertEventWithDeliveries(ctx context.Context, ev domain.Event, deliveries []domain.Delivery) error
}

// ReadyQueue receives the ids of freshly created deliveries. Enqueueing
// is best effort; the dispatcher's sweep picks up whatever is dropped.
type ReadyQueue interface {
	TryEnqueue(id uuid.UUID) bool
}

type MetricsSink interface {
	EventPublished(eventType string)
	PublishRejected(reason string)
	FanOutObserve(count int)
}

type Config struct {
	// MaxAttempts is snapshotted onto every delivery row at creation, so
	// later configuration changes never alter in-flight series.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 6}
}

type Bus struct {
	cfg     Config
	catalog *catalog.Catalog
	finder  SubscriptionFinder
	store   Store
	queue   ReadyQueue
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
	log     zerolog.Logger
}

func New(cfg Config, cat *catalog.Catalog, finder SubscriptionFinder, store Store, queue ReadyQueue, log zerolog.Logger) *Bus {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Bus{
		cfg:     cfg,
		catalog: cat,
		finder:  finder,
		store:   store,
		queue:   queue,
		clock:   time.Now,
		log:     log,
	}
}

func (b *Bus) WithMetrics(sink MetricsSink) *Bus {
	b.metrics = sink
	return b
}

// WithClock overrides the time source for tests.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// PublishParams carries one event to publish.
type PublishParams struct {
	TenantID string
	Type     string
	Data     json.RawMessage
	Metadata json.RawMessage
}

// PublishResult reports what a publish produced.
type PublishResult struct {
	Event       domain.Event
	DeliveryIDs []uuid.UUID
}

// Publish validates the event, persists it together with one pending
// delivery per matching active subscription, and hands the delivery ids
// to the worker pool. The event is stored even when nothing matches, so
// the audit trail is complete. The payload and each subscription's
// current secret are frozen onto the delivery rows here.
func (b *Bus) Publish(ctx context.Context, p PublishParams) (PublishResult, error) {
	if p.TenantID == "" {
		return PublishResult{}, fmt.Errorf("tenant_id is required")
	}
	if !b.catalog.Known(p.Type) {
		b.reject("unknown_event_type")
		return PublishResult{}, fmt.Errorf("%w: %s", ErrUnknownEventType, p.Type)
	}
	if len(p.Data) > 0 && !json.Valid(p.Data) {
		b.reject("invalid_payload")
		return PublishResult{}, ErrInvalidPayload
	}
	if len(p.Metadata) > 0 && !json.Valid(p.Metadata) {
		b.reject("invalid_payload")
		return PublishResult{}, ErrInvalidPayload
	}

	now := b.clock().UTC()
	ev := domain.Event{
		ID:        uuid.New(),
		Type:      p.Type,
		Timestamp: now,
		Data:      p.Data,
		TenantID:  p.TenantID,
		Metadata:  p.Metadata,
		CreatedAt: now,
	}

	payload, err := ev.MarshalEnvelope()
	if err != nil {
		return PublishResult{}, fmt.Errorf("marshal envelope: %w", err)
	}

	subs, err := b.finder.FindActive(ctx, p.TenantID, p.Type)
	if err != nil {
		return PublishResult{}, fmt.Errorf("find subscriptions: %w", err)
	}

	deliveries := make([]domain.Delivery, 0, len(subs))
	for _, sub := range subs {
		deliveries = append(deliveries, domain.Delivery{
			ID:             uuid.New(),
			EventID:        ev.ID,
			SubscriptionID: sub.ID,
			TenantID:       p.TenantID,
			EventType:      p.Type,
			Status:         domain.DeliveryStatusPending,
			MaxAttempts:    b.cfg.MaxAttempts,
			SecretSnapshot: sub.Secret,
			Payload:        payload,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := b.store.InsertEventWithDeliveries(ctx, ev, deliveries); err != nil {
		return PublishResult{}, fmt.Errorf("persist event: %w", err)
	}

	if b.metrics != nil {
		b.metrics.EventPublished(p.Type)
		b.metrics.FanOutObserve(len(deliveries))
	}

	ids := make([]uuid.UUID, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.ID)
		b.queue.TryEnqueue(d.ID)
	}

	b.log.Info().Str("event_id", ev.ID.String()).Str("event_type", ev.Type).
		Str("tenant_id", ev.TenantID).Int("deliveries", len(ids)).Msg("event published")
	return PublishResult{Event: ev, DeliveryIDs: ids}, nil
}

func (b *Bus) reject(reason string) {
	if b.metrics != nil {
		b.metrics.PublishRejected(reason)
	}
}
