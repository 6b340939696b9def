package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"slideforge/internal/core"
	"slideforge/internal/types"
)

// HeaderSweepToken authenticates internal sweep triggers.
const HeaderSweepToken = "X-Sweep-Token"

// SweepRunner is the scheduler's entry point.
type SweepRunner interface {
	Run(ctx context.Context, now time.Time) (*types.SweepSummary, error)
}

// SweepHandler exposes the sweep to the platform's cron trigger.
type SweepHandler struct {
	runner SweepRunner
	token  string
	logger *slog.Logger
}

// NewSweepHandler creates a SweepHandler guarded by the shared token.
func NewSweepHandler(runner SweepRunner, token string, l *slog.Logger) *SweepHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SweepHandler{
		runner: runner,
		token:  token,
		logger: l,
	}
}

// RegisterRoutes mounts the internal sweep endpoint. No identity
// middleware: the caller authenticates with the shared token.
func (h *SweepHandler) RegisterRoutes(r chi.Router) {
	r.Post("/internal/sweep", h.Trigger)
}

// Trigger handles POST /internal/sweep. The token comparison is
// constant-time. A sweep that completed with per-item errors still
// returns 200; the summary carries the error list.
func (h *SweepHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	provided := r.Header.Get(HeaderSweepToken)
	if h.token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(h.token)) != 1 {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSweepTokenInvalid,
			"invalid sweep token",
			nil,
		))
		return
	}

	summary, err := h.runner.Run(r.Context(), time.Now().UTC())
	if err != nil {
		h.logger.Error("sweep run failed", slog.Any("error", err))
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}
