// Package api exposes the management HTTP surface: publishing events,
// configuring subscriptions and inspecting or retrying deliveries.
// Every /v1 route is tenant-scoped through the X-Tenant-ID header.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/hooklinehq/hookline/internal/catalog"
	"github.com/hooklinehq/hookline/internal/domain"
	"github.com/hooklinehq/hookline/internal/eventbus"
	"github.com/hooklinehq/hookline/internal/registry"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// tenantHeader carries the caller's tenant on every /v1 request.
const tenantHeader = "X-Tenant-ID"

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(ctx context.Context, p eventbus.PublishParams) (eventbus.PublishResult, error)
}

// SubscriptionRegistry manages webhook subscription configuration.
type SubscriptionRegistry interface {
	Create(ctx context.Context, p registry.CreateParams) (domain.Subscription, error)
	Get(ctx context.Context, tenantID string, id uuid.UUID) (domain.Subscription, error)
	List(ctx context.Context, tenantID string, limit, offset int) ([]domain.Subscription, error)
	Update(ctx context.Context, tenantID string, id uuid.UUID, p registry.UpdateParams) (domain.Subscription, error)
	Delete(ctx context.Context, tenantID string, id uuid.UUID) error
	RotateSecret(ctx context.Context, tenantID string, id uuid.UUID) (string, error)
}

// Retrier requeues a delivery on operator request.
type Retrier interface {
	ManualRetry(ctx context.Context, id uuid.UUID) (bool, error)
}

// DeliveryQuery filters a delivery listing. Zero values mean "any".
type DeliveryQuery struct {
	Status         string
	SubscriptionID *uuid.UUID
	EventID        *uuid.UUID
	Limit          int
	Offset         int
}

type Store interface {
	ListDeliveries(ctx context.Context, tenantID string, q DeliveryQuery) ([]domain.Delivery, error)
	GetDelivery(ctx context.Context, tenantID string, id uuid.UUID) (domain.Delivery, error)
	GetEvent(ctx context.Context, tenantID string, id uuid.UUID) (domain.Event, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	bus     Publisher
	subs    SubscriptionRegistry
	retrier Retrier
	store   Store
	catalog *catalog.Catalog
	db      HealthChecker
	log     zerolog.Logger
}

func NewHandler(bus Publisher, subs SubscriptionRegistry, retrier Retrier, store Store, cat *catalog.Catalog, log zerolog.Logger) *Handler {
	return &Handler{
		bus:     bus,
		subs:    subs,
		retrier: retrier,
		store:   store,
		catalog: cat,
		log:     log,
	}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// Router builds the route table.
func (h *Handler) Router() http.Handler {
	r := httprouter.New()

	r.GET("/health", h.health)

	r.POST("/v1/events", h.tenant(h.publishEvent))
	r.GET("/v1/events/:id", h.tenant(h.getEvent))
	r.GET("/v1/event-types", h.listEventTypes)

	r.POST("/v1/subscriptions", h.tenant(h.createSubscription))
	r.GET("/v1/subscriptions", h.tenant(h.listSubscriptions))
	r.GET("/v1/subscriptions/:id", h.tenant(h.getSubscription))
	r.PATCH("/v1/subscriptions/:id", h.tenant(h.updateSubscription))
	r.DELETE("/v1/subscriptions/:id", h.tenant(h.deleteSubscription))
	r.POST("/v1/subscriptions/:id/rotate-secret", h.tenant(h.rotateSecret))

	r.GET("/v1/deliveries", h.tenant(h.listDeliveries))
	r.GET("/v1/deliveries/:id", h.tenant(h.getDelivery))
	r.POST("/v1/deliveries/:id/retry", h.tenant(h.retryDelivery))

	return r
}

// tenantHandler is an httprouter.Handle with the tenant already resolved.
type tenantHandler func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, tenantID string)

// tenant rejects requests without an X-Tenant-ID header.
func (h *Handler) tenant(next tenantHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		tenantID := r.Header.Get(tenantHeader)
		if tenantID == "" {
			h.writeError(w, http.StatusBadRequest, "missing "+tenantHeader+" header")
			return
		}
		next(w, r, ps, tenantID)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	h.writeJSON(w, statusCode, resp)
}

func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tenantID string) {
	var req PublishEventRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	res, err := h.bus.Publish(r.Context(), eventbus.PublishParams{
		TenantID: tenantID,
		Type:     req.Type,
		Data:     req.Data,
		Metadata: req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, eventbus.ErrUnknownEventType):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, eventbus.ErrInvalidPayload):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.Error().Err(err).Msg("publish event")
			h.writeError(w, http.StatusInternalServerError, "failed to publish event")
		}
		return
	}

	ids := make([]string, len(res.DeliveryIDs))
	for i, id := range res.DeliveryIDs {
		ids[i] = id.String()
	}
	h.writeJSON(w, http.StatusAccepted, PublishEventResponse{
		EventID:     res.Event.ID.String(),
		Type:        res.Event.Type,
		Timestamp:   formatTime(res.Event.Timestamp),
		DeliveryIDs: ids,
	})
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request, ps httprouter.Params, tenantID string) {
	id, ok := h.pathID(w, ps)
	if !ok {
		return
	}
	ev, err := h.store.GetEvent(r.Context(), tenantID, id)
	if err != nil {
		h.writeLookupError(w, err, "event")
		return
	}
	h.writeJSON(w, http.StatusOK, eventResponse(ev))
}

func (h *Handler) listEventTypes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	h.writeJSON(w, http.StatusOK, EventTypesResponse{EventTypes: h.catalog.List()})
}

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tenantID string) {
	var req CreateSubscriptionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	sub, err := h.subs.Create(r.Context(), registry.CreateParams{
		TenantID:   tenantID,
		TargetURL:  req.TargetURL,
		EventTypes: req.EventTypes,
	})
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The secret is included exactly once, in this response.
	resp := subscriptionResponse(sub)
	resp.Secret = sub.Secret
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tenantID string) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	subs, err := h.subs.List(r.Context(), tenantID, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Msg("list subscriptions")
		h.writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	resp := ListSubscriptionsResponse{Subscriptions: make([]SubscriptionResponse, len(subs))}
	for i, sub := range subs {
		resp.Subscriptions[i] = subscriptionResponse(sub)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request, ps httprouter.Params, tenantID string) {
	id, ok := h.pathID(w, ps)
	if !ok {
		return
	}
	sub, err := h.subs.Get(r.Context(), tenantID, id)
	if err != nil {
		h.writeLookupError(w, err, "subscription")
		return
	}
	h.writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

func (h *Handler) updateSubscription(w http.ResponseWriter, r *http.Request, ps httprouter.Params, tenantID string) {
	id, ok := h.pathID(w, ps)
	if !ok {
		return
	}
	var req UpdateSubscriptionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	sub, err := h.subs.Update(r.Context(), tenantID, id, registry.UpdateParams{
		TargetURL:  req.TargetURL,
		EventTypes: req.EventTypes,
		Active:     req.Active,
	})
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			h.writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request, ps httprouter.Params, tenantID string) {
	id, ok := h.pathID(w, ps)
	if !ok {
		return
	}
	if err := h.subs.Delete(r.Context(), tenantID, id); err != nil {
		h.writeLookupError(w, err, "subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rotateSecret(w http.ResponseWriter, r *http.Request, ps httprouter.Params, tenantID string) {
	id, ok := h.pathID(w, ps)
	if !ok {
		return
	}
	secret, err := h.subs.RotateSecret(r.Context(), tenantID, id)
	if err != nil {
		h.writeLookupError(w, err, "subscription")
		return
	}
	h.writeJSON(w, http.StatusOK, RotateSecretResponse{Secret: secret})
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tenantID string) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := DeliveryQuery{Limit: limit, Offset: offset}
	if status := r.URL.Query().Get("status"); status != "" {
		if !validDeliveryStatus(status) {
			h.writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		q.Status = status
	}
	for param, target := range map[string]**uuid.UUID{
		"subscription_id": &q.SubscriptionID,
		"event_id":        &q.EventID,
	} {
		if raw := r.URL.Query().Get(param); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid "+param)
				return
			}
			*target = &id
		}
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), tenantID, q)
	if err != nil {
		h.log.Error().Err(err).Msg("list deliveries")
		h.writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	resp := ListDeliveriesResponse{Deliveries: make([]DeliveryResponse, len(deliveries))}
	for i, d := range deliveries {
		resp.Deliveries[i] = deliveryResponse(d)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request, ps httprouter.Params, tenantID string) {
	id, ok := h.pathID(w, ps)
	if !ok {
		return
	}
	d, err := h.store.GetDelivery(r.Context(), tenantID, id)
	if err != nil {
		h.writeLookupError(w, err, "delivery")
		return
	}
	h.writeJSON(w, http.StatusOK, deliveryResponse(d))
}

func (h *Handler) retryDelivery(w http.ResponseWriter, r *http.Request, ps httprouter.Params, tenantID string) {
	id, ok := h.pathID(w, ps)
	if !ok {
		return
	}

	// Tenant check first: retrying another tenant's delivery is a 404,
	// indistinguishable from a missing one.
	if _, err := h.store.GetDelivery(r.Context(), tenantID, id); err != nil {
		h.writeLookupError(w, err, "delivery")
		return
	}

	accepted, err := h.retrier.ManualRetry(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("delivery_id", id.String()).Msg("manual retry")
		h.writeError(w, http.StatusInternalServerError, "failed to retry delivery")
		return
	}
	if !accepted {
		h.writeError(w, http.StatusConflict, "delivery cannot be retried")
		return
	}
	h.writeJSON(w, http.StatusAccepted, RetryResponse{DeliveryID: id.String(), Accepted: true})
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, ps httprouter.Params) (uuid.UUID, bool) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, registry.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	h.log.Error().Err(err).Msg("lookup " + what)
	h.writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("json encode")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg})
}

func validDeliveryStatus(s string) bool {
	switch domain.DeliveryStatus(s) {
	case domain.DeliveryStatusPending, domain.DeliveryStatusInFlight,
		domain.DeliveryStatusSucceeded, domain.DeliveryStatusRetrying,
		domain.DeliveryStatusFailed, domain.DeliveryStatusCancelled:
		return true
	}
	return false
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
