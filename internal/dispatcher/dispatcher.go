// Package dispatcher runs the delivery worker pool. Workers claim due
// ledger rows, perform one signed attempt each and persist the retry
// policy's decision. The claim is an atomic conditional update, so at
// most one worker ever holds a delivery in flight.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hooklinehq/hookline/internal/domain"
	"github.com/hooklinehq/hookline/internal/metrics"
)

// ErrClaimLost is returned by stores when a claim condition fails:
// another worker holds the row, it is not due yet, or it reached a
// terminal state. Losing a claim race is a no-op, not an error.
var ErrClaimLost = errors.New("delivery claim lost")

// ClaimedDelivery is a ledger row held in flight by a worker, joined
// with the subscription's current target URL. The URL is deliberately
// not snapshotted: fixing a broken endpoint must apply to in-flight
// series.
type ClaimedDelivery struct {
	domain.Delivery
	TargetURL string
}

// AttemptRecord carries the persisted result of one attempt.
type AttemptRecord struct {
	DeliveryID         uuid.UUID
	Status             domain.DeliveryStatus
	NextAttemptAt      *time.Time
	LastError          string
	LastResponseStatus *int
	At                 time.Time
}

type Store interface {
	// ClaimDelivery atomically transitions a pending or due-retrying row
	// to in_flight and increments its attempt count. Returns ErrClaimLost
	// when the condition does not hold.
	ClaimDelivery(ctx context.Context, id uuid.UUID, now time.Time) (ClaimedDelivery, error)
	// DueDeliveries returns ids of rows eligible for claiming: pending,
	// or retrying with next_attempt_at in the past.
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	// RecordAttemptOutcome persists the post-attempt state. Implementations
	// MUST only update rows still in_flight, keeping terminal rows immutable.
	RecordAttemptOutcome(ctx context.Context, rec AttemptRecord) error
	SubscriptionActive(ctx context.Context, subscriptionID uuid.UUID) (bool, error)
	// RequeueForManualRetry marks a row retrying-now if its subscription is
	// active and the row is not succeeded or cancelled. Returns false when
	// the conditions reject the request.
	RequeueForManualRetry(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

type Sender interface {
	Attempt(ctx context.Context, targetURL string, d domain.Delivery) Outcome
}

// SubscriptionHealth receives terminal outcomes so the registry can
// maintain failure counters and trip the circuit breaker.
type SubscriptionHealth interface {
	RecordOutcome(ctx context.Context, subscriptionID uuid.UUID, success bool) error
}

// AnalyticsSink records delivery outcomes for reporting. Best-effort:
// implementations handle their own errors and never affect dispatch.
type AnalyticsSink interface {
	Record(ctx context.Context, d domain.Delivery, success bool)
}

// MetricsSink records dispatcher metrics. All methods are non-blocking
// and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryScheduled(delay time.Duration)
	DeliveriesInFlightIncr()
	DeliveriesInFlightDecr()
	ClaimConflict()
	SweepCompleted(batch int)
}

// ReadyQueue is the hand-off between publishes and workers.
type ReadyQueue interface {
	Channel() <-chan uuid.UUID
	TryEnqueue(id uuid.UUID) bool
}

type Config struct {
	Workers        int
	SweepInterval  time.Duration
	SweepBatchSize int
	DrainTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:        4,
		SweepInterval:  15 * time.Second,
		SweepBatchSize: 100,
		DrainTimeout:   30 * time.Second,
	}
}

type Dispatcher struct {
	cfg       Config
	store     Store
	sender    Sender
	policy    Policy
	health    SubscriptionHealth
	queue     ReadyQueue
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	clock     func() time.Time
	log       zerolog.Logger
}

func New(cfg Config, store Store, sender Sender, policy Policy, health SubscriptionHealth, queue ReadyQueue, log zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = DefaultConfig().SweepBatchSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		sender: sender,
		policy: policy,
		health: health,
		queue:  queue,
		clock:  time.Now,
		log:    log,
	}
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithClock overrides the time source for tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Run starts the worker pool and the due-retry sweep, blocking until
// ctx is cancelled and the queue has been drained.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Int("workers", d.cfg.Workers).Dur("sweep_interval", d.cfg.SweepInterval).Msg("dispatcher started")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()

	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.workerLoop(ctx, worker)
		}(i)
	}

	wg.Wait()
	d.log.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			d.drain(worker)
			return
		case id := <-d.queue.Channel():
			if err := d.Process(ctx, id); err != nil {
				d.log.Error().Err(err).Int("worker", worker).Str("delivery_id", id.String()).Msg("delivery processing failed")
			}
		}
	}
}

// drain finishes buffered work after shutdown. The parent context is
// already cancelled, so claims run under a fresh bounded one.
func (d *Dispatcher) drain(worker int) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			d.log.Warn().Int("worker", worker).Int("drained", count).Msg("drain timeout")
			return
		case id := <-d.queue.Channel():
			if err := d.Process(drainCtx, id); err != nil {
				d.log.Error().Err(err).Str("delivery_id", id.String()).Msg("drain processing failed")
			}
			count++
		default:
			if count > 0 {
				d.log.Info().Int("worker", worker).Int("drained", count).Msg("drain complete")
			}
			return
		}
	}
}

// sweepLoop periodically finds due deliveries and feeds them to the
// workers. It is the recovery path for ids that never reached the ready
// queue (full buffer, restart) and the only scheduler for retries.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	d.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	ids, err := d.store.DueDeliveries(ctx, d.clock().UTC(), d.cfg.SweepBatchSize)
	if err != nil {
		d.log.Error().Err(err).Msg("sweep query failed")
		return
	}
	enqueued := 0
	for _, id := range ids {
		if !d.queue.TryEnqueue(id) {
			break // queue full; the next sweep picks the rest up
		}
		enqueued++
	}
	if d.metrics != nil {
		d.metrics.SweepCompleted(enqueued)
	}
	if enqueued > 0 {
		d.log.Debug().Int("due", len(ids)).Int("enqueued", enqueued).Msg("sweep completed")
	}
}

// Process claims the delivery, performs one attempt and persists the
// resulting transition. Safe to call with ids that are no longer due:
// a lost claim is a no-op.
func (d *Dispatcher) Process(ctx context.Context, id uuid.UUID) error {
	claimed, err := d.store.ClaimDelivery(ctx, id, d.clock().UTC())
	if errors.Is(err, ErrClaimLost) {
		if d.metrics != nil {
			d.metrics.ClaimConflict()
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim delivery %s: %w", id, err)
	}

	if d.metrics != nil {
		d.metrics.DeliveriesInFlightIncr()
		defer d.metrics.DeliveriesInFlightDecr()
	}

	outcome := d.sender.Attempt(ctx, claimed.TargetURL, claimed.Delivery)

	if d.metrics != nil {
		statusClass := metrics.ClassifyStatus(outcome.StatusCode, outcome.Err)
		d.metrics.DeliveryAttemptCompleted(claimed.AttemptCount, statusClass, outcome.Duration)
	}

	decision := d.policy.Decide(claimed.AttemptCount, claimed.MaxAttempts, outcome, d.clock().UTC())

	// The subscription may have been deactivated while this attempt was in
	// flight. The outcome is still persisted, but a further retry must not
	// be scheduled for a dead subscription.
	if decision.Status == domain.DeliveryStatusRetrying {
		active, aerr := d.store.SubscriptionActive(ctx, claimed.SubscriptionID)
		if aerr != nil {
			d.log.Error().Err(aerr).Str("subscription_id", claimed.SubscriptionID.String()).Msg("active check failed, keeping retry")
		} else if !active {
			decision = Decision{Status: domain.DeliveryStatusCancelled}
		}
	}

	rec := AttemptRecord{
		DeliveryID: claimed.ID,
		Status:     decision.Status,
		LastError:  outcome.ErrorString(),
		At:         d.clock().UTC(),
	}
	if outcome.StatusCode != 0 {
		code := outcome.StatusCode
		rec.LastResponseStatus = &code
	}
	if decision.Status == domain.DeliveryStatusRetrying {
		next := decision.NextAttemptAt
		rec.NextAttemptAt = &next
	}

	if err := d.store.RecordAttemptOutcome(ctx, rec); err != nil {
		return fmt.Errorf("record attempt for delivery %s: %w", claimed.ID, err)
	}

	switch decision.Status {
	case domain.DeliveryStatusSucceeded:
		d.finish(ctx, claimed, true)
		d.log.Info().Str("delivery_id", claimed.ID.String()).Int("attempt", claimed.AttemptCount).Msg("delivery succeeded")
	case domain.DeliveryStatusFailed:
		d.finish(ctx, claimed, false)
		d.log.Warn().Str("delivery_id", claimed.ID.String()).Int("attempt", claimed.AttemptCount).
			Int("status", outcome.StatusCode).Str("error", outcome.ErrorString()).Msg("delivery failed")
	case domain.DeliveryStatusRetrying:
		if d.metrics != nil {
			d.metrics.RetryScheduled(decision.NextAttemptAt.Sub(rec.At))
		}
		d.log.Debug().Str("delivery_id", claimed.ID.String()).Int("attempt", claimed.AttemptCount).
			Time("next_attempt_at", decision.NextAttemptAt).Msg("retry scheduled")
	case domain.DeliveryStatusCancelled:
		if d.metrics != nil {
			d.metrics.DeliveryOutcome(metrics.OutcomeCancelled)
		}
		d.log.Info().Str("delivery_id", claimed.ID.String()).Msg("delivery cancelled, subscription inactive")
	}

	return nil
}

// finish records a terminal outcome with the registry's health counters
// and the analytics sink. Intermediate retries are deliberately not
// reported: only terminal results move the circuit breaker.
func (d *Dispatcher) finish(ctx context.Context, claimed ClaimedDelivery, success bool) {
	if d.metrics != nil {
		if success {
			d.metrics.DeliveryOutcome(metrics.OutcomeSuccess)
		} else {
			d.metrics.DeliveryOutcome(metrics.OutcomeFailed)
		}
	}
	if err := d.health.RecordOutcome(ctx, claimed.SubscriptionID, success); err != nil {
		d.log.Error().Err(err).Str("subscription_id", claimed.SubscriptionID.String()).Msg("record outcome failed")
	}
	if d.analytics != nil {
		d.analytics.Record(ctx, claimed.Delivery, success)
	}
}

// ManualRetry re-queues a delivery on operator request, bypassing the
// next-attempt eligibility window once. Rejected (accepted=false) when
// the subscription is inactive or the delivery already succeeded or was
// cancelled. The retry joins the existing attempt series.
func (d *Dispatcher) ManualRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	accepted, err := d.store.RequeueForManualRetry(ctx, id, d.clock().UTC())
	if err != nil {
		return false, fmt.Errorf("manual retry %s: %w", id, err)
	}
	if !accepted {
		return false, nil
	}
	// Best effort; the sweep claims it if the queue is full.
	d.queue.TryEnqueue(id)
	d.log.Info().Str("delivery_id", id.String()).Msg("manual retry accepted")
	return true, nil
}
