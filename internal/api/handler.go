// Package api exposes the HTTP surface: notification submission and
// lifecycle endpoints plus the live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmallet/pulse/internal/notification"
	"github.com/jmallet/pulse/internal/redis"
	"github.com/jmallet/pulse/internal/store"
)

// Service is the slice of the delivery coordinator the handlers use.
type Service interface {
	Submit(ctx context.Context, n *notification.Notification) error
	Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID, userID string) error
	TrackClick(ctx context.Context, id uuid.UUID, url, userID string) error
}

// CreateRequest represents the incoming submission body.
type CreateRequest struct {
	Subject      string                   `json:"subject"`
	Body         string                   `json:"body"`
	Type         string                   `json:"type,omitempty"`
	Category     string                   `json:"category"`
	Priority     string                   `json:"priority,omitempty"`
	CreatorID    string                   `json:"creator_id"`
	Recipients   []notification.Recipient `json:"recipients"`
	Variables    map[string]string        `json:"variables,omitempty"`
	Related      *notification.EntityRef  `json:"related,omitempty"`
	Tags         []string                 `json:"tags,omitempty"`
	ScheduledFor *time.Time               `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time               `json:"expires_at,omitempty"`
	MaxAttempts  int                      `json:"max_attempts,omitempty"`
}

// CreateResponse is returned after accepting a notification.
type CreateResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	svc         Service
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, svc Service) *Handler {
	return &Handler{
		logger: logger,
		svc:    svc,
	}
}

// NewHandlerWithIdempotency creates a handler with idempotency support
func NewHandlerWithIdempotency(logger *zap.Logger, svc Service, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		svc:         svc,
		idempotency: idempotency,
	}
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	tenantID := tenantFrom(r)
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, tenantID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(CreateResponse{ID: cached.NotificationID, Status: string(notification.StatusPending)})
			return
		}
	}

	params := notification.CreateParams{
		Type:        notification.Type(req.Type),
		Category:    notification.Category(req.Category),
		Priority:    notification.Priority(req.Priority),
		Subject:     req.Subject,
		Body:        req.Body,
		CreatorID:   req.CreatorID,
		Recipients:  req.Recipients,
		Variables:   req.Variables,
		Related:     req.Related,
		Tags:        req.Tags,
		MaxAttempts: req.MaxAttempts,
	}
	if req.ExpiresAt != nil {
		params.ExpiresAt = *req.ExpiresAt
	}

	n, err := notification.Create(params)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", err.Error())
		return
	}

	if req.ScheduledFor != nil {
		if err := n.ScheduleFor(*req.ScheduledFor); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid schedule", err.Error())
			return
		}
	}

	if err := h.svc.Submit(ctx, n); err != nil {
		h.logger.Error("failed to submit notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "submit_error", "Failed to accept notification", "")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			NotificationID: n.ID.String(),
			StatusCode:     http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, tenantID, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(CreateResponse{
		ID:     n.ID.String(),
		Status: string(n.Status),
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	n, err := h.svc.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to load notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(n)
}

// MarkRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id is required")
		return
	}

	if err := h.svc.MarkRead(ctx, id, req.UserID); err != nil {
		h.writeLifecycleError(w, id, err, "mark read")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": string(notification.StatusRead),
	})
}

// TrackClick handles POST /v1/notifications/{id}/clicks
func (h *Handler) TrackClick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var req struct {
		URL    string `json:"url"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" || req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing fields", "url and user_id are required")
		return
	}

	if err := h.svc.TrackClick(ctx, id, req.URL, req.UserID); err != nil {
		h.writeLifecycleError(w, id, err, "track click")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeLifecycleError(w http.ResponseWriter, id uuid.UUID, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, notification.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_state", "Operation not allowed in current state", err.Error())
	default:
		h.logger.Error("lifecycle operation failed",
			zap.Error(err),
			zap.String("op", op),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Operation failed", "")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
