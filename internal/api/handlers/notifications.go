package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"slideforge/internal/core"
	"slideforge/internal/types"
)

// maxNotificationLimit caps one notification page.
const maxNotificationLimit = 100

// defaultNotificationLimit applies when the client sends no limit.
const defaultNotificationLimit = 50

// NotificationStore abstracts notification reads and read-marking.
type NotificationStore interface {
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]types.SubscriptionNotification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
}

// MarkReadBody is the request body for POST /v1/notifications/read.
// Either a list of IDs or all=true.
type MarkReadBody struct {
	IDs []string `json:"ids" validate:"omitempty,max=100,dive,required"`
	All bool     `json:"all"`
}

// MarkReadResponse reports how many notifications were marked.
type MarkReadResponse struct {
	Marked int `json:"marked"`
}

// NotificationHandler serves the notification endpoints.
type NotificationHandler struct {
	store     NotificationStore
	validator *core.Validator
	logger    *slog.Logger
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(store NotificationStore, v *core.Validator, l *slog.Logger) *NotificationHandler {
	if l == nil {
		l = slog.Default()
	}
	return &NotificationHandler{
		store:     store,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the notification endpoints on an identity-scoped
// router.
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Get("/notifications", h.List)
	r.Post("/notifications/read", h.MarkRead)
}

// List handles GET /v1/notifications?unread=true&limit=N&offset=M.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())
	unreadOnly := r.URL.Query().Get("unread") == "true"

	limit, offset := pagination(r)
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}

	notifications, err := h.store.ListNotifications(r.Context(), userID, unreadOnly, limit, offset)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: notifications})
}

// MarkRead handles POST /v1/notifications/read with an ID list or
// all=true. Marking an already-read notification again is a no-op.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	var body MarkReadBody
	if err := core.DecodeJSON(w, r, &body); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(body); err != nil {
		core.Error(w, r, err)
		return
	}
	if !body.All && len(body.IDs) == 0 {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"either ids or all must be provided",
			nil,
		))
		return
	}

	if body.All {
		marked, err := h.store.MarkAllNotificationsRead(r.Context(), userID)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: MarkReadResponse{Marked: marked}})
		return
	}

	marked := 0
	for _, id := range body.IDs {
		if err := h.store.MarkNotificationRead(r.Context(), userID, id); err != nil {
			core.Error(w, r, err)
			return
		}
		marked++
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: MarkReadResponse{Marked: marked}})
}
