package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"slideforge/internal/core"
	"slideforge/internal/gateway"
	"slideforge/internal/types"
)

// SubscriptionService abstracts subscription and billing key management.
type SubscriptionService interface {
	GetSubscription(ctx context.Context, userID string) (*types.Subscription, error)
	Cancel(ctx context.Context, userID string) (*types.Subscription, error)
	StartBillingKeyIssue(ctx context.Context, userID string) (*gateway.BillingKey, error)
	ConfirmBillingKey(ctx context.Context, userID, ref string) (*types.PaymentMethod, error)
	GetPaymentMethod(ctx context.Context, userID string) (*types.PaymentMethod, error)
	RemoveBillingKey(ctx context.Context, userID string) error
}

// ConfirmBillingKeyBody is the request body for POST /v1/billing-keys/confirm.
type ConfirmBillingKeyBody struct {
	BillingKeyRef string `json:"billing_key_ref" validate:"required,max=128"`
}

// SubscriptionHandler serves the subscription and billing key endpoints.
type SubscriptionHandler struct {
	service   SubscriptionService
	validator *core.Validator
	logger    *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(svc SubscriptionService, v *core.Validator, l *slog.Logger) *SubscriptionHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SubscriptionHandler{
		service:   svc,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the subscription endpoints on an identity-scoped
// router.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/subscription", h.Get)
	r.Post("/subscription/cancel", h.Cancel)

	r.Post("/billing-keys", h.StartIssue)
	r.Post("/billing-keys/confirm", h.Confirm)
	r.Get("/billing-keys", h.GetActive)
	r.Delete("/billing-keys", h.Remove)
}

// Get handles GET /v1/subscription. Users without a subscription row get
// the implicit free tier.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	sub, err := h.service.GetSubscription(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// Cancel handles POST /v1/subscription/cancel. The paid period keeps
// running to its end date; only renewal stops.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	sub, err := h.service.Cancel(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// StartIssue handles POST /v1/billing-keys: begin the gateway issue flow
// and return the vendor handle the client completes it with.
func (h *SubscriptionHandler) StartIssue(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	key, err := h.service.StartBillingKeyIssue(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: key})
}

// Confirm handles POST /v1/billing-keys/confirm: verify the issued key
// with the gateway and activate it, replacing any prior key.
func (h *SubscriptionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	var body ConfirmBillingKeyBody
	if err := core.DecodeJSON(w, r, &body); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(body); err != nil {
		core.Error(w, r, err)
		return
	}

	pm, err := h.service.ConfirmBillingKey(r.Context(), userID, body.BillingKeyRef)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: pm})
}

// GetActive handles GET /v1/billing-keys.
func (h *SubscriptionHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	pm, err := h.service.GetPaymentMethod(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: pm})
}

// Remove handles DELETE /v1/billing-keys: deactivate the stored key, turn
// off auto-renewal, and delete the key at the gateway best-effort.
func (h *SubscriptionHandler) Remove(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	if err := h.service.RemoveBillingKey(r.Context(), userID); err != nil {
		core.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
