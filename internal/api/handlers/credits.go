package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"slideforge/internal/core"
	"slideforge/internal/types"
)

// CreditService abstracts the credit ledger operations.
type CreditService interface {
	Balance(ctx context.Context, userID string) (int64, error)
	History(ctx context.Context, userID string, limit, offset int) ([]types.CreditTransaction, error)
	Consume(ctx context.Context, userID string, amount int64, description string) ([]*types.CreditTransaction, error)
}

// ConsumeCreditsBody is the request body for POST /v1/credits/consume.
type ConsumeCreditsBody struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Description string `json:"description" validate:"required,max=256"`
}

// BalanceResponse is the body for GET /v1/credits/balance.
type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

// ConsumeResponse returns the deduction entries and the balance after.
type ConsumeResponse struct {
	Entries []*types.CreditTransaction `json:"entries"`
	Balance int64                      `json:"balance"`
}

// CreditHandler serves the credit ledger endpoints.
type CreditHandler struct {
	service   CreditService
	validator *core.Validator
	logger    *slog.Logger
}

// NewCreditHandler creates a CreditHandler.
func NewCreditHandler(svc CreditService, v *core.Validator, l *slog.Logger) *CreditHandler {
	if l == nil {
		l = slog.Default()
	}
	return &CreditHandler{
		service:   svc,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the credit endpoints on an identity-scoped router.
func (h *CreditHandler) RegisterRoutes(r chi.Router) {
	r.Get("/credits/balance", h.Balance)
	r.Get("/credits/transactions", h.History)
	r.Post("/credits/consume", h.Consume)
}

// Balance handles GET /v1/credits/balance.
func (h *CreditHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	balance, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: BalanceResponse{Balance: balance}})
}

// History handles GET /v1/credits/transactions?limit=N&offset=M.
func (h *CreditHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())
	limit, offset := pagination(r)

	entries, err := h.service.History(r.Context(), userID, limit, offset)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: entries})
}

// Consume handles POST /v1/credits/consume: the generation pipeline's
// deduction entry point. Insufficient balance is a 402 with the shortfall
// in the error details and no ledger mutation.
func (h *CreditHandler) Consume(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	var body ConsumeCreditsBody
	if err := core.DecodeJSON(w, r, &body); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(body); err != nil {
		core.Error(w, r, err)
		return
	}

	entries, err := h.service.Consume(r.Context(), userID, body.Amount, body.Description)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	balance, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ConsumeResponse{
		Entries: entries,
		Balance: balance,
	}})
}
