package postgres

const queryInsertSubscription = `
INSERT INTO subscriptions (id, tenant_id, target_url, secret, event_types, active, consecutive_failures, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryGetSubscription = `
SELECT id, tenant_id, target_url, secret, event_types, active,
       consecutive_failures, last_failure_at, last_success_at,
       created_at, updated_at
FROM subscriptions
WHERE id = $1 AND tenant_id = $2
`

const queryListSubscriptions = `
SELECT id, tenant_id, target_url, secret, event_types, active,
       consecutive_failures, last_failure_at, last_success_at,
       created_at, updated_at
FROM subscriptions
WHERE tenant_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

const queryUpdateSubscription = `
UPDATE subscriptions
SET target_url = $2, event_types = $3, active = $4, consecutive_failures = $5, updated_at = $6
WHERE id = $1 AND tenant_id = $7
`

const queryDeleteSubscription = `
WITH cancelled AS (
    UPDATE deliveries
    SET status = 'cancelled', next_attempt_at = NULL, claimed_at = NULL, updated_at = $3
    WHERE subscription_id = $1
      AND status IN ('pending', 'retrying')
    RETURNING id
)
DELETE FROM subscriptions
WHERE id = $1 AND tenant_id = $2
RETURNING (SELECT COUNT(*) FROM cancelled)
`

const queryDeactivateSubscription = `
WITH deactivated AS (
    UPDATE subscriptions
    SET active = false, updated_at = $2
    WHERE id = $1
)
UPDATE deliveries
SET status = 'cancelled', next_attempt_at = NULL, claimed_at = NULL, updated_at = $2
WHERE subscription_id = $1
  AND status IN ('pending', 'retrying')
`

const queryFindActiveSubscriptions = `
SELECT id, tenant_id, target_url, secret, event_types, active,
       consecutive_failures, last_failure_at, last_success_at,
       created_at, updated_at
FROM subscriptions
WHERE tenant_id = $1
  AND active = true
  AND ('*' = ANY(event_types) OR $2 = ANY(event_types))
ORDER BY created_at ASC
`

const queryUpdateSecret = `
UPDATE subscriptions
SET secret = $3, updated_at = $4
WHERE id = $1 AND tenant_id = $2
`

const queryRecordSubscriptionOutcome = `
UPDATE subscriptions
SET consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures + 1 END,
    last_success_at = CASE WHEN $2 THEN $3 ELSE last_success_at END,
    last_failure_at = CASE WHEN $2 THEN last_failure_at ELSE $3 END,
    updated_at = $3
WHERE id = $1
RETURNING consecutive_failures
`

const querySubscriptionActive = `
SELECT active FROM subscriptions WHERE id = $1
`

const queryInsertEvent = `
INSERT INTO events (id, tenant_id, event_type, occurred_at, data, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const queryGetEvent = `
SELECT id, tenant_id, event_type, occurred_at, data, metadata, created_at
FROM events
WHERE id = $1 AND tenant_id = $2
`

const queryInsertDelivery = `
INSERT INTO deliveries (id, event_id, subscription_id, tenant_id, event_type, status,
                        attempt_count, max_attempts, secret_snapshot, payload, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

const queryClaimDelivery = `
WITH claimed AS (
    UPDATE deliveries
    SET status = 'in_flight', attempt_count = attempt_count + 1,
        claimed_at = $2, next_attempt_at = NULL, updated_at = $2
    WHERE id = $1
      AND (status = 'pending' OR (status = 'retrying' AND next_attempt_at <= $2))
    RETURNING id, event_id, subscription_id, tenant_id, event_type,
              attempt_count, max_attempts, claimed_at, secret_snapshot, payload,
              created_at, updated_at
)
SELECT c.id, c.event_id, c.subscription_id, c.tenant_id, c.event_type,
       c.attempt_count, c.max_attempts, c.claimed_at, c.secret_snapshot, c.payload,
       c.created_at, c.updated_at,
       s.target_url
FROM claimed c
JOIN subscriptions s ON s.id = c.subscription_id
`

const queryDueDeliveries = `
SELECT id
FROM deliveries
WHERE status = 'pending'
   OR (status = 'retrying' AND next_attempt_at <= $1)
ORDER BY created_at ASC
LIMIT $2
`

const queryRecordAttemptOutcome = `
UPDATE deliveries
SET status = $2, next_attempt_at = $3, last_error = NULLIF($4, ''),
    last_response_status = $5, claimed_at = NULL, updated_at = $6
WHERE id = $1
  AND status = 'in_flight'
`

const queryGetDeliveryStatus = `
SELECT status FROM deliveries WHERE id = $1
`

const queryRequeueForManualRetry = `
UPDATE deliveries d
SET status = 'retrying', next_attempt_at = $2,
    max_attempts = CASE WHEN d.attempt_count >= d.max_attempts THEN d.attempt_count + 1 ELSE d.max_attempts END,
    updated_at = $2
FROM subscriptions s
WHERE d.id = $1
  AND s.id = d.subscription_id
  AND s.active = true
  AND d.status IN ('pending', 'retrying', 'failed')
`

const queryRequeueStaleClaims = `
WITH stale AS (
    SELECT id FROM deliveries
    WHERE status = 'in_flight'
      AND claimed_at < $1
    ORDER BY claimed_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE deliveries
SET status = 'retrying', next_attempt_at = $3, claimed_at = NULL, updated_at = $3
FROM stale
WHERE deliveries.id = stale.id
`

const queryListDeliveries = `
SELECT id, event_id, subscription_id, tenant_id, event_type, status,
       attempt_count, max_attempts, next_attempt_at, claimed_at,
       last_error, last_response_status, created_at, updated_at
FROM deliveries
WHERE tenant_id = $1
  AND ($2 = '' OR status = $2)
  AND ($3::uuid IS NULL OR subscription_id = $3)
  AND ($4::uuid IS NULL OR event_id = $4)
ORDER BY created_at DESC
LIMIT $5 OFFSET $6
`

const queryGetDelivery = `
SELECT id, event_id, subscription_id, tenant_id, event_type, status,
       attempt_count, max_attempts, next_attempt_at, claimed_at,
       last_error, last_response_status, created_at, updated_at
FROM deliveries
WHERE id = $1 AND tenant_id = $2
`

const queryPruneTerminalDeliveries = `
DELETE FROM deliveries
WHERE status IN ('succeeded', 'failed', 'cancelled')
  AND updated_at < $1
`

const queryPruneOrphanEvents = `
DELETE FROM events e
WHERE e.created_at < $1
  AND NOT EXISTS (SELECT 1 FROM deliveries d WHERE d.event_id = e.id)
`
