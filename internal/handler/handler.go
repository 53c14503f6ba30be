package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"retail-notifications-api/internal/cart"
	"retail-notifications-api/internal/database"
	"retail-notifications-api/internal/features"
	"retail-notifications-api/internal/models"
	"retail-notifications-api/internal/orderstatus"
	"retail-notifications-api/internal/validation"
)

// Handler provides HTTP handlers for the webhook API.
type Handler struct {
	db          *database.DB
	carts       *cart.Service
	orders      *orderstatus.Service
	flags       *features.Manager
	maxBodySize int64
	// Agent integrations with this UUID are administratively paused;
	// their webhooks are acknowledged but not processed.
	blockedAgentUUID string
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize      int64
	BlockedAgentUUID string
	Features         *features.Manager
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 10 << 20, // 10MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(db *database.DB, carts *cart.Service, orders *orderstatus.Service) *Handler {
	return NewHandlerWithOptions(db, carts, orders, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(db *database.DB, carts *cart.Service, orders *orderstatus.Service, opts NewHandlerOptions) *Handler {
	flags := opts.Features
	if flags == nil {
		flags = features.NewManager()
		features.RegisterDefaults(flags)
	}

	return &Handler{
		db:               db,
		carts:            carts,
		orders:           orders,
		flags:            flags,
		maxBodySize:      opts.MaxBodySize,
		blockedAgentUUID: opts.BlockedAgentUUID,
	}
}

// CartNotification handles POST /webhooks/cart
func (h *Handler) CartNotification(w http.ResponseWriter, r *http.Request) {
	if !h.flags.IsEnabled(features.FeatureCartPipeline) {
		// Acknowledge so the platform doesn't retry a disabled pipeline.
		h.respondJSON(w, http.StatusOK, models.CartNotificationResponse{
			Message: "cart pipeline disabled",
		})
		return
	}

	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.CartNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required", "")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body", "")
		return
	}

	// Sanitize string fields
	req.CartID = validation.SanitizeString(req.CartID)
	req.Phone = validation.SanitizeString(req.Phone)
	req.Name = validation.SanitizeString(req.Name)
	req.Account = validation.SanitizeString(req.Account)

	if err := validation.ValidateCartNotification(req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	phone, err := validation.NormalizePhone(req.Phone)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	project, ok, err := h.db.GetProjectByAccount(req.Account)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to resolve account", "")
		return
	}
	if !ok {
		h.respondError(w, http.StatusNotFound, "no project for account "+req.Account, models.ReasonProjectNotFound)
		return
	}

	if h.blockedAgentUUID != "" {
		if agent, found, err := h.db.GetIntegration(project.UUID, models.IntegrationKindAgent); err == nil && found && agent.UUID == h.blockedAgentUUID {
			h.respondJSON(w, http.StatusOK, models.CartNotificationResponse{
				Message: "integration paused, notification suppressed",
				CartID:  req.CartID,
			})
			return
		}
	}

	created, err := h.carts.ProcessCartNotification(r.Context(), project, req.CartID, phone, req.Name)
	if err != nil {
		h.respondCartError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.CartNotificationResponse{
		Message:  "cart notification accepted",
		CartUUID: created.UUID,
		CartID:   created.OrderFormID,
		Status:   string(created.Status),
	})
}

// OrderStatus handles POST /webhooks/order-status
func (h *Handler) OrderStatus(w http.ResponseWriter, r *http.Request) {
	if !h.flags.IsEnabled(features.FeatureOrderStatusFlow) {
		h.respondJSON(w, http.StatusOK, map[string]string{"message": "order status flow disabled"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.OrderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required", "")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body", "")
		return
	}

	req.OrderID = validation.SanitizeString(req.OrderID)
	req.CurrentState = validation.SanitizeString(req.CurrentState)
	req.LastState = validation.SanitizeString(req.LastState)
	req.Account = validation.SanitizeString(req.Account)
	req.Domain = validation.SanitizeString(req.Domain)

	if err := validation.ValidateOrderStatus(req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	message, err := h.orders.ProcessOrderStatus(r.Context(), req)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"message": message})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) respondCartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cart.ErrNoIntegration):
		h.respondError(w, http.StatusNotFound, err.Error(), models.ReasonNoIntegrationConfigured)
	case errors.Is(err, cart.ErrTemplatesNotSynchronized):
		h.respondError(w, http.StatusConflict, err.Error(), models.ReasonTemplatesNotSynchronized)
	case errors.Is(err, cart.ErrPhoneBlocked):
		h.respondError(w, http.StatusForbidden, err.Error(), models.ReasonPhoneRestrictionBlocked)
	case errors.Is(err, cart.ErrLockContention):
		// Retryable: a concurrent delivery holds the create lock.
		h.respondError(w, http.StatusConflict, err.Error(), models.ReasonLockContention)
	default:
		h.respondError(w, http.StatusInternalServerError, "failed to process cart notification", "")
	}
}

func (h *Handler) respondOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orderstatus.ErrProjectNotFound):
		h.respondError(w, http.StatusNotFound, err.Error(), models.ReasonProjectNotFound)
	case errors.Is(err, orderstatus.ErrNoIntegration):
		h.respondError(w, http.StatusNotFound, err.Error(), models.ReasonNoIntegrationConfigured)
	case errors.Is(err, orderstatus.ErrPhoneBlocked):
		h.respondError(w, http.StatusForbidden, err.Error(), models.ReasonPhoneRestrictionBlocked)
	default:
		h.respondError(w, http.StatusInternalServerError, "failed to process order status", "")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message, reason string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message, Reason: reason})
}
