package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"slideforge/internal/core"
	"slideforge/internal/gateway"
	"slideforge/internal/types"
)

// Webhook event types delivered by the gateway. Anything else is
// acknowledged and ignored so new vendor event types never cause
// redelivery storms.
const (
	webhookEventPaid      = "Transaction.Paid"
	webhookEventFailed    = "Transaction.Failed"
	webhookEventCancelled = "Transaction.Cancelled"
)

// maxWebhookBodySize caps webhook payloads well below the general API
// limit; gateway events are small.
const maxWebhookBodySize = 256 << 10

// PaymentFinalizer is the idempotent finalization entry point shared with
// the client verify flow.
type PaymentFinalizer interface {
	Finalize(ctx context.Context, paymentID string, gwTx *gateway.Transaction) (*types.Payment, error)
}

// webhookEvent is the envelope the gateway delivers.
type webhookEvent struct {
	Type string           `json:"type"`
	Data webhookEventData `json:"data"`
}

type webhookEventData struct {
	PaymentID     string `json:"paymentId"`
	TransactionID string `json:"transactionId"`
	ReceiptURL    string `json:"receiptUrl"`
	FailReason    string `json:"failReason"`
	Method        string `json:"method"`
}

// webhookAck is the 200 response body; the gateway only checks the status
// code, but the explicit body helps manual replay tooling.
type webhookAck struct {
	Received bool `json:"received"`
}

// WebhookHandler ingests gateway payment events.
type WebhookHandler struct {
	finalizer PaymentFinalizer
	secret    string
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. secret is the shared webhook
// signing secret in its whsec_ form.
func NewWebhookHandler(finalizer PaymentFinalizer, secret string, l *slog.Logger) *WebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	return &WebhookHandler{
		finalizer: finalizer,
		secret:    secret,
		logger:    l,
	}
}

// RegisterRoutes mounts the webhook endpoint. No identity middleware: the
// caller is the gateway, authenticated by signature.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/webhooks/payrail", h.Receive)
}

// Receive handles POST /v1/webhooks/payrail.
//
// Response codes drive the gateway's redelivery: 401 on a bad signature
// (no mutation happened), 400 on a malformed event (redelivery cannot
// help), 404 for a payment this system never created, 200 once the event
// is applied or recognized as a duplicate, and 500 for internal failures
// so the gateway redelivers into the idempotent finalization path.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read webhook body", err))
		return
	}
	if len(body) > maxWebhookBodySize {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "webhook body too large", nil))
		return
	}

	if err := gateway.VerifyWebhookSignature(r.Header, body, h.secret); err != nil {
		core.Error(w, r, err)
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed webhook payload", err))
		return
	}

	var status types.GatewayPaymentStatus
	switch event.Type {
	case webhookEventPaid:
		status = types.GatewayStatusPaid
	case webhookEventFailed:
		status = types.GatewayStatusFailed
	case webhookEventCancelled:
		status = types.GatewayStatusCancelled
	default:
		h.logger.Info("ignoring unhandled webhook event type",
			slog.String("type", event.Type),
		)
		core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
		return
	}

	if event.Data.PaymentID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"webhook event is missing paymentId",
			nil,
		))
		return
	}

	gwTx := &gateway.Transaction{
		ID:         event.Data.TransactionID,
		OrderRef:   event.Data.PaymentID,
		Status:     status,
		Method:     event.Data.Method,
		ReceiptURL: event.Data.ReceiptURL,
		FailReason: event.Data.FailReason,
		Raw:        json.RawMessage(body),
	}

	if _, err := h.finalizer.Finalize(r.Context(), event.Data.PaymentID, gwTx); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			// A terminal record receiving a different terminal outcome
			// means the gateway and the store disagree about money.
			// Nothing was mutated and redelivery cannot fix it, so ack
			// the event and leave the disagreement to the error log.
			if appErr.Code == types.ErrCodeConflictInvalidTransition {
				h.logger.Error("webhook outcome conflicts with stored terminal status",
					slog.String("payment_id", event.Data.PaymentID),
					slog.String("event_type", event.Type),
					slog.Any("details", appErr.Details),
				)
				core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
				return
			}
			// Other client-class errors (unknown payment) are permanent:
			// surface them as-is so the gateway stops redelivering.
			if appErr.HTTPStatus() < http.StatusInternalServerError {
				core.Error(w, r, err)
				return
			}
		}
		// Anything else is returned as 500 so the gateway redelivers.
		h.logger.Error("webhook finalization failed",
			slog.String("payment_id", event.Data.PaymentID),
			slog.String("event_type", event.Type),
			slog.Any("error", err),
		)
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to process webhook event", err))
		return
	}

	core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
}
