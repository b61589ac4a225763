// Package postgres persists subscriptions, events and the delivery
// ledger. All state transitions that workers race on are single atomic
// statements with their guard in the WHERE clause.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hooklinehq/hookline/internal/api"
	"github.com/hooklinehq/hookline/internal/dispatcher"
	"github.com/hooklinehq/hookline/internal/domain"
	"github.com/hooklinehq/hookline/internal/eventbus"
	"github.com/hooklinehq/hookline/internal/registry"
)

// ErrDeliveryNotClaimed is returned when an attempt outcome targets a
// row that is no longer in flight. Terminal rows are immutable.
var ErrDeliveryNotClaimed = errors.New("delivery is not in flight")

// Store implements the persistence interfaces of the event bus, the
// registry, the dispatcher and the management API on PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// PingContext reports database connectivity for health checks.
func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- registry.Store ---

func (s *Store) InsertSubscription(ctx context.Context, sub domain.Subscription) error {
	_, err := s.db.ExecContext(ctx, queryInsertSubscription,
		sub.ID,
		sub.TenantID,
		sub.TargetURL,
		sub.Secret,
		pq.StringArray(sub.Filter.Types()),
		sub.Active,
		sub.ConsecutiveFailures,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (domain.Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, queryGetSubscription, id, tenantID))
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string, limit, offset int) ([]domain.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, queryListSubscriptions, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub domain.Subscription) error {
	result, err := s.db.ExecContext(ctx, queryUpdateSubscription,
		sub.ID,
		sub.TargetURL,
		pq.StringArray(sub.Filter.Types()),
		sub.Active,
		sub.ConsecutiveFailures,
		sub.UpdatedAt,
		sub.TenantID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// DeleteSubscription removes the subscription and cancels its open
// deliveries in one statement. Terminal delivery rows are kept so the
// tenant's delivery history survives the subscription.
func (s *Store) DeleteSubscription(ctx context.Context, tenantID string, id uuid.UUID) (int64, error) {
	var cancelled int64
	err := s.db.QueryRowContext(ctx, queryDeleteSubscription, id, tenantID, time.Now().UTC()).Scan(&cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, registry.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return cancelled, nil
}

func (s *Store) DeactivateSubscription(ctx context.Context, id uuid.UUID) (int64, error) {
	result, err := s.db.ExecContext(ctx, queryDeactivateSubscription, id, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) FindActiveSubscriptions(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, queryFindActiveSubscriptions, tenantID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (s *Store) UpdateSecret(ctx context.Context, tenantID string, id uuid.UUID, secret string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, queryUpdateSecret, id, tenantID, secret, now)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// RecordSubscriptionOutcome moves the health counters. A missing row
// (subscription deleted mid-flight) is not an error: there is no
// breaker left to trip.
func (s *Store) RecordSubscriptionOutcome(ctx context.Context, id uuid.UUID, success bool, at time.Time) (int, error) {
	var failures int
	err := s.db.QueryRowContext(ctx, queryRecordSubscriptionOutcome, id, success, at).Scan(&failures)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return failures, nil
}

// SubscriptionActive treats a deleted subscription as inactive, so
// in-flight deliveries of deleted subscriptions get cancelled.
func (s *Store) SubscriptionActive(ctx context.Context, subscriptionID uuid.UUID) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, querySubscriptionActive, subscriptionID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

// --- eventbus.Store ---

// InsertEventWithDeliveries persists the event and its fan-out in one
// transaction: either the event and every pending delivery exist, or
// nothing does.
func (s *Store) InsertEventWithDeliveries(ctx context.Context, ev domain.Event, deliveries []domain.Delivery) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, queryInsertEvent,
		ev.ID,
		ev.TenantID,
		ev.Type,
		ev.Timestamp,
		[]byte(ev.Data),
		[]byte(ev.Metadata),
		ev.CreatedAt,
	)
	if err != nil {
		return err
	}

	for _, d := range deliveries {
		_, err = tx.ExecContext(ctx, queryInsertDelivery,
			d.ID,
			d.EventID,
			d.SubscriptionID,
			d.TenantID,
			d.EventType,
			string(d.Status),
			d.AttemptCount,
			d.MaxAttempts,
			d.SecretSnapshot,
			d.Payload,
			d.CreatedAt,
			d.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetEvent(ctx context.Context, tenantID string, id uuid.UUID) (domain.Event, error) {
	var ev domain.Event
	err := s.db.QueryRowContext(ctx, queryGetEvent, id, tenantID).Scan(
		&ev.ID,
		&ev.TenantID,
		&ev.Type,
		&ev.Timestamp,
		&ev.Data,
		&ev.Metadata,
		&ev.CreatedAt,
	)
	if err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// --- dispatcher.Store ---

// ClaimDelivery is the single atomic claim: the guard and the attempt
// counter increment happen in one UPDATE, so two workers can never both
// win. The subscription's current target URL is joined on, never
// snapshotted.
func (s *Store) ClaimDelivery(ctx context.Context, id uuid.UUID, now time.Time) (dispatcher.ClaimedDelivery, error) {
	var c dispatcher.ClaimedDelivery
	var claimedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, queryClaimDelivery, id, now).Scan(
		&c.ID,
		&c.EventID,
		&c.SubscriptionID,
		&c.TenantID,
		&c.EventType,
		&c.AttemptCount,
		&c.MaxAttempts,
		&claimedAt,
		&c.SecretSnapshot,
		&c.Payload,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.TargetURL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// Not due, terminal, another worker won, or the subscription is
		// gone. If the row itself was claimed the stale-claim reconciler
		// will requeue it and the active check will cancel it.
		return dispatcher.ClaimedDelivery{}, dispatcher.ErrClaimLost
	}
	if err != nil {
		return dispatcher.ClaimedDelivery{}, err
	}
	c.Status = domain.DeliveryStatusInFlight
	if claimedAt.Valid {
		t := claimedAt.Time
		c.ClaimedAt = &t
	}
	return c, nil
}

func (s *Store) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, queryDueDeliveries, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordAttemptOutcome persists the post-attempt transition. The guard
// only matches rows still in flight, keeping terminal rows immutable.
func (s *Store) RecordAttemptOutcome(ctx context.Context, rec dispatcher.AttemptRecord) error {
	var status sql.NullInt64
	if rec.LastResponseStatus != nil {
		status = sql.NullInt64{Int64: int64(*rec.LastResponseStatus), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, queryRecordAttemptOutcome,
		rec.DeliveryID,
		string(rec.Status),
		rec.NextAttemptAt,
		rec.LastError,
		status,
		rec.At,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, queryGetDeliveryStatus, rec.DeliveryID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		if err != nil {
			return err
		}
		return ErrDeliveryNotClaimed
	}
	return nil
}

func (s *Store) RequeueForManualRetry(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryRequeueForManualRetry, id, now)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

// --- reconciler.Store ---

// RequeueStaleClaims recovers in_flight rows whose worker died without
// recording an outcome. They rejoin the retry pool immediately.
func (s *Store) RequeueStaleClaims(ctx context.Context, claimedBefore, now time.Time, limit int) (int64, error) {
	result, err := s.db.ExecContext(ctx, queryRequeueStaleClaims, claimedBefore, limit, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- janitor.Store ---

func (s *Store) PruneTerminalDeliveries(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, queryPruneTerminalDeliveries, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) PruneOrphanEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, queryPruneOrphanEvents, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- api.Store ---

func (s *Store) ListDeliveries(ctx context.Context, tenantID string, q api.DeliveryQuery) ([]domain.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, queryListDeliveries,
		tenantID,
		q.Status,
		q.SubscriptionID,
		q.EventID,
		q.Limit,
		q.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *Store) GetDelivery(ctx context.Context, tenantID string, id uuid.UUID) (domain.Delivery, error) {
	return scanDelivery(s.db.QueryRowContext(ctx, queryGetDelivery, id, tenantID))
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (domain.Subscription, error) {
	var sub domain.Subscription
	var eventTypes pq.StringArray
	var lastFailureAt, lastSuccessAt sql.NullTime

	err := row.Scan(
		&sub.ID,
		&sub.TenantID,
		&sub.TargetURL,
		&sub.Secret,
		&eventTypes,
		&sub.Active,
		&sub.ConsecutiveFailures,
		&lastFailureAt,
		&lastSuccessAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subscription{}, registry.ErrNotFound
	}
	if err != nil {
		return domain.Subscription{}, err
	}

	sub.Filter = domain.ParseFilter(eventTypes)
	if lastFailureAt.Valid {
		t := lastFailureAt.Time
		sub.LastFailureAt = &t
	}
	if lastSuccessAt.Valid {
		t := lastSuccessAt.Time
		sub.LastSuccessAt = &t
	}
	return sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]domain.Subscription, error) {
	var result []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func scanDelivery(row scanner) (domain.Delivery, error) {
	var d domain.Delivery
	var status string
	var nextAttemptAt, claimedAt sql.NullTime
	var lastError sql.NullString
	var lastResponseStatus sql.NullInt64

	err := row.Scan(
		&d.ID,
		&d.EventID,
		&d.SubscriptionID,
		&d.TenantID,
		&d.EventType,
		&status,
		&d.AttemptCount,
		&d.MaxAttempts,
		&nextAttemptAt,
		&claimedAt,
		&lastError,
		&lastResponseStatus,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return domain.Delivery{}, err
	}

	d.Status = domain.DeliveryStatus(status)
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		d.NextAttemptAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		d.ClaimedAt = &t
	}
	d.LastError = lastError.String
	if lastResponseStatus.Valid {
		code := int(lastResponseStatus.Int64)
		d.LastResponseStatus = &code
	}
	return d, nil
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// Compile-time interface assertions
var (
	_ registry.Store   = (*Store)(nil)
	_ eventbus.Store   = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ api.Store        = (*Store)(nil)
)
