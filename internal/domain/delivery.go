package domain

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusInFlight  DeliveryStatus = "in_flight"
	DeliveryStatusSucceeded DeliveryStatus = "succeeded"
	DeliveryStatusRetrying  DeliveryStatus = "retrying"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal rows are
// write-once: no component mutates them afterward.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryStatusSucceeded, DeliveryStatusFailed, DeliveryStatusCancelled:
		return true
	}
	return false
}

// Delivery is one attempt-series for a (event, subscription) pair.
// The payload and signing secret are frozen at creation time: a secret
// rotation mid-series does not invalidate signatures already promised,
// and redelivery is byte-identical.
type Delivery struct {
	ID             uuid.UUID
	EventID        uuid.UUID
	SubscriptionID uuid.UUID
	TenantID       string
	EventType      string

	Status       DeliveryStatus
	AttemptCount int
	MaxAttempts  int

	NextAttemptAt *time.Time
	ClaimedAt     *time.Time

	SecretSnapshot string
	Payload        []byte

	LastError          string
	LastResponseStatus *int

	CreatedAt time.Time
	UpdatedAt time.Time
}
