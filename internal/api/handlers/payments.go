// Package handlers contains the HTTP handlers for the Slideforge billing
// API. Each handler defines the narrow service interface it depends on and
// registers its own routes; wiring happens in the entry point.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"slideforge/internal/billing"
	"slideforge/internal/core"
	"slideforge/internal/types"
)

// PaymentService abstracts the payment operations the handler exposes.
type PaymentService interface {
	CreatePayment(ctx context.Context, userID string, req billing.CreatePaymentRequest) (*types.Payment, error)
	Verify(ctx context.Context, userID, paymentID string) (*types.Payment, error)
	GetPayment(ctx context.Context, userID, paymentID string) (*types.Payment, error)
	ListPayments(ctx context.Context, userID string, limit, offset int) ([]types.Payment, error)
}

// CreatePaymentBody is the request body for POST /v1/payments.
type CreatePaymentBody struct {
	PaymentID  string `json:"payment_id" validate:"required,max=128"`
	Purpose    string `json:"purpose" validate:"required,oneof=SUBSCRIPTION_UPGRADE CREDIT_PURCHASE"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	Currency   string `json:"currency" validate:"omitempty,len=3"`
	TargetTier string `json:"target_tier" validate:"omitempty,oneof=PRO PREMIUM"`
}

// PaymentHandler serves the payment endpoints.
type PaymentHandler struct {
	service   PaymentService
	validator *core.Validator
	logger    *slog.Logger
}

// NewPaymentHandler creates a PaymentHandler.
func NewPaymentHandler(svc PaymentService, v *core.Validator, l *slog.Logger) *PaymentHandler {
	if l == nil {
		l = slog.Default()
	}
	return &PaymentHandler{
		service:   svc,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the payment endpoints on an identity-scoped router.
func (h *PaymentHandler) RegisterRoutes(r chi.Router) {
	r.Post("/payments", h.Create)
	r.Post("/payments/{paymentID}/verify", h.Verify)
	r.Get("/payments", h.List)
	r.Get("/payments/{paymentID}", h.Get)
}

// Create handles POST /v1/payments: record the PENDING payment and open
// the gateway intent. Safe to retry with the same payment_id.
func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	var body CreatePaymentBody
	if err := core.DecodeJSON(w, r, &body); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(body); err != nil {
		core.Error(w, r, err)
		return
	}

	payment, err := h.service.CreatePayment(r.Context(), userID, billing.CreatePaymentRequest{
		PaymentID:  body.PaymentID,
		Purpose:    types.PaymentPurpose(body.Purpose),
		Amount:     body.Amount,
		Currency:   body.Currency,
		TargetTier: types.Tier(body.TargetTier),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: payment})
}

// Verify handles POST /v1/payments/{paymentID}/verify: ask the gateway for
// the authoritative status and finalize. Idempotent.
func (h *PaymentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())
	paymentID := chi.URLParam(r, "paymentID")

	payment, err := h.service.Verify(r.Context(), userID, paymentID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: payment})
}

// Get handles GET /v1/payments/{paymentID}.
func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())
	paymentID := chi.URLParam(r, "paymentID")

	payment, err := h.service.GetPayment(r.Context(), userID, paymentID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: payment})
}

// List handles GET /v1/payments?limit=N&offset=M.
func (h *PaymentHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())
	limit, offset := pagination(r)

	payments, err := h.service.ListPayments(r.Context(), userID, limit, offset)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: payments})
}

// pagination reads limit/offset query parameters, leaving zero values for
// the service layer to clamp to its defaults.
func pagination(r *http.Request) (limit, offset int) {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}
