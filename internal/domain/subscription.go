package domain

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is a tenant-configured webhook endpoint. Disabled
// subscriptions are kept (soft state) so delivery history survives.
type Subscription struct {
	ID       uuid.UUID
	TenantID string

	TargetURL string
	Secret    string // HMAC secret; returned to callers only at creation/rotation
	Filter    EventFilter
	Active    bool

	ConsecutiveFailures int
	LastFailureAt       *time.Time
	LastSuccessAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
