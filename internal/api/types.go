package api

import (
	"encoding/json"
	"time"

	"github.com/hooklinehq/hookline/internal/catalog"
	"github.com/hooklinehq/hookline/internal/domain"
)

type PublishEventRequest struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type PublishEventResponse struct {
	EventID     string   `json:"event_id"`
	Type        string   `json:"type"`
	Timestamp   string   `json:"timestamp"`
	DeliveryIDs []string `json:"delivery_ids"`
}

type EventResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt string          `json:"created_at"`
}

type EventTypesResponse struct {
	EventTypes []catalog.EventType `json:"event_types"`
}

type CreateSubscriptionRequest struct {
	TargetURL  string   `json:"target_url"`
	EventTypes []string `json:"event_types,omitempty"` // empty or ["*"] subscribes to everything
}

type UpdateSubscriptionRequest struct {
	TargetURL  *string  `json:"target_url,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	Active     *bool    `json:"active,omitempty"`
}

type SubscriptionResponse struct {
	ID                  string   `json:"id"`
	TenantID            string   `json:"tenant_id"`
	TargetURL           string   `json:"target_url"`
	EventTypes          []string `json:"event_types"`
	Active              bool     `json:"active"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	LastSuccessAt       string   `json:"last_success_at,omitempty"`
	LastFailureAt       string   `json:"last_failure_at,omitempty"`
	CreatedAt           string   `json:"created_at"`
	UpdatedAt           string   `json:"updated_at"`

	// Secret is set only in the creation response.
	Secret string `json:"secret,omitempty"`
}

type ListSubscriptionsResponse struct {
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

type RotateSecretResponse struct {
	Secret string `json:"secret"`
}

type DeliveryResponse struct {
	ID                 string `json:"id"`
	EventID            string `json:"event_id"`
	SubscriptionID     string `json:"subscription_id"`
	EventType          string `json:"event_type"`
	Status             string `json:"status"`
	AttemptCount       int    `json:"attempt_count"`
	MaxAttempts        int    `json:"max_attempts"`
	NextAttemptAt      string `json:"next_attempt_at,omitempty"`
	LastError          string `json:"last_error,omitempty"`
	LastResponseStatus *int   `json:"last_response_status,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

type ListDeliveriesResponse struct {
	Deliveries []DeliveryResponse `json:"deliveries"`
}

type RetryResponse struct {
	DeliveryID string `json:"delivery_id"`
	Accepted   bool   `json:"accepted"`
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func subscriptionResponse(sub domain.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                  sub.ID.String(),
		TenantID:            sub.TenantID,
		TargetURL:           sub.TargetURL,
		EventTypes:          sub.Filter.Types(),
		Active:              sub.Active,
		ConsecutiveFailures: sub.ConsecutiveFailures,
		LastSuccessAt:       formatTimePtr(sub.LastSuccessAt),
		LastFailureAt:       formatTimePtr(sub.LastFailureAt),
		CreatedAt:           formatTime(sub.CreatedAt),
		UpdatedAt:           formatTime(sub.UpdatedAt),
	}
}

func eventResponse(ev domain.Event) EventResponse {
	return EventResponse{
		ID:        ev.ID.String(),
		Type:      ev.Type,
		Timestamp: formatTime(ev.Timestamp),
		Data:      ev.Data,
		Metadata:  ev.Metadata,
		CreatedAt: formatTime(ev.CreatedAt),
	}
}

func deliveryResponse(d domain.Delivery) DeliveryResponse {
	return DeliveryResponse{
		ID:                 d.ID.String(),
		EventID:            d.EventID.String(),
		SubscriptionID:     d.SubscriptionID.String(),
		EventType:          d.EventType,
		Status:             string(d.Status),
		AttemptCount:       d.AttemptCount,
		MaxAttempts:        d.MaxAttempts,
		NextAttemptAt:      formatTimePtr(d.NextAttemptAt),
		LastError:          d.LastError,
		LastResponseStatus: d.LastResponseStatus,
		CreatedAt:          formatTime(d.CreatedAt),
		UpdatedAt:          formatTime(d.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
