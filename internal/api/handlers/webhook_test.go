package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slideforge/internal/gateway"
	"slideforge/internal/types"
)

const testWebhookSecret = "endpoint-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFinalizer struct {
	calls   []types.GatewayPaymentStatus
	lastTx  *gateway.Transaction
	payment *types.Payment
	err     error
}

func (f *fakeFinalizer) Finalize(_ context.Context, paymentID string, gwTx *gateway.Transaction) (*types.Payment, error) {
	f.calls = append(f.calls, gwTx.Status)
	f.lastTx = gwTx
	if f.err != nil {
		return nil, f.err
	}
	if f.payment != nil {
		return f.payment, nil
	}
	return &types.Payment{PaymentID: paymentID, Status: types.PaymentStatusPaid}, nil
}

func newWebhookServer(finalizer *fakeFinalizer) *httptest.Server {
	r := chi.NewRouter()
	NewWebhookHandler(finalizer, testWebhookSecret, testLogger()).RegisterRoutes(r)
	return httptest.NewServer(r)
}

func signedWebhookRequest(t *testing.T, url string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/v1/webhooks/payrail", bytes.NewReader(body))
	require.NoError(t, err)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := base64.StdEncoding.EncodeToString(
		gateway.ComputeWebhookSignature("msg_1", ts, body, testWebhookSecret))
	req.Header.Set(gateway.HeaderWebhookID, "msg_1")
	req.Header.Set(gateway.HeaderWebhookTimestamp, ts)
	req.Header.Set(gateway.HeaderWebhookSignature, "v1,"+sig)
	return req
}

func paidEventBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type": "Transaction.Paid",
		"data": map[string]any{
			"paymentId":     "pay_abc",
			"transactionId": "gwtx_1",
			"receiptUrl":    "https://pay.example/r/1",
		},
	})
	require.NoError(t, err)
	return body
}

func TestWebhookReceive_PaidEvent(t *testing.T) {
	finalizer := &fakeFinalizer{}
	srv := newWebhookServer(finalizer)
	defer srv.Close()

	resp, err := http.DefaultClient.Do(signedWebhookRequest(t, srv.URL, paidEventBody(t)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, finalizer.calls, 1)
	assert.Equal(t, types.GatewayStatusPaid, finalizer.calls[0])
	assert.Equal(t, "gwtx_1", finalizer.lastTx.ID)
	assert.NotEmpty(t, finalizer.lastTx.Raw)
}

func TestWebhookReceive_BadSignature(t *testing.T) {
	finalizer := &fakeFinalizer{}
	srv := newWebhookServer(finalizer)
	defer srv.Close()

	req := signedWebhookRequest(t, srv.URL, paidEventBody(t))
	req.Header.Set(gateway.HeaderWebhookSignature, "v1,aW52YWxpZA==")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, finalizer.calls)
}

func TestWebhookReceive_UnknownEventAcked(t *testing.T) {
	finalizer := &fakeFinalizer{}
	srv := newWebhookServer(finalizer)
	defer srv.Close()

	body := []byte(`{"type":"BillingKey.Updated","data":{}}`)
	resp, err := http.DefaultClient.Do(signedWebhookRequest(t, srv.URL, body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, finalizer.calls)
}

func TestWebhookReceive_MissingPaymentID(t *testing.T) {
	finalizer := &fakeFinalizer{}
	srv := newWebhookServer(finalizer)
	defer srv.Close()

	body := []byte(`{"type":"Transaction.Paid","data":{}}`)
	resp, err := http.DefaultClient.Do(signedWebhookRequest(t, srv.URL, body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, finalizer.calls)
}

func TestWebhookReceive_MalformedJSON(t *testing.T) {
	srv := newWebhookServer(&fakeFinalizer{})
	defer srv.Close()

	resp, err := http.DefaultClient.Do(signedWebhookRequest(t, srv.URL, []byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookReceive_UnknownPaymentIsPermanent(t *testing.T) {
	finalizer := &fakeFinalizer{
		err: types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil),
	}
	srv := newWebhookServer(finalizer)
	defer srv.Close()

	resp, err := http.DefaultClient.Do(signedWebhookRequest(t, srv.URL, paidEventBody(t)))
	require.NoError(t, err)
	defer resp.Body.Close()

	// 404 tells the gateway redelivery cannot succeed.
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookReceive_ConflictingTerminalOutcomeAcked(t *testing.T) {
	// Late CANCELLED after PAID: nothing is mutated and redelivery
	// cannot resolve the disagreement, so the event is acked.
	finalizer := &fakeFinalizer{
		err: types.NewAppErrorWithDetails(types.ErrCodeConflictInvalidTransition,
			"payment is already in a terminal state", nil, map[string]any{
				"current_status":   "PAID",
				"requested_status": "CANCELED",
			}),
	}
	srv := newWebhookServer(finalizer)
	defer srv.Close()

	body := []byte(`{"type":"Transaction.Cancelled","data":{"paymentId":"pay_abc"}}`)
	resp, err := http.DefaultClient.Do(signedWebhookRequest(t, srv.URL, body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, finalizer.calls, 1)
}

func TestWebhookReceive_InternalErrorAsksForRedelivery(t *testing.T) {
	finalizer := &fakeFinalizer{
		err: types.NewAppError(types.ErrCodeInternalDB, "connection lost", nil),
	}
	srv := newWebhookServer(finalizer)
	defer srv.Close()

	resp, err := http.DefaultClient.Do(signedWebhookRequest(t, srv.URL, paidEventBody(t)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestWebhookReceive_FailedEventCarriesReason(t *testing.T) {
	finalizer := &fakeFinalizer{}
	srv := newWebhookServer(finalizer)
	defer srv.Close()

	body := []byte(`{"type":"Transaction.Failed","data":{"paymentId":"pay_abc","failReason":"card declined"}}`)
	resp, err := http.DefaultClient.Do(signedWebhookRequest(t, srv.URL, body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, finalizer.calls, 1)
	assert.Equal(t, types.GatewayStatusFailed, finalizer.calls[0])
	assert.Equal(t, "card declined", finalizer.lastTx.FailReason)
}
