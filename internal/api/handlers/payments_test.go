package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slideforge/internal/billing"
	"slideforge/internal/core"
	"slideforge/internal/types"
)

type fakePaymentService struct {
	created  []billing.CreatePaymentRequest
	verified []string
	payment  *types.Payment
	err      error
}

func (f *fakePaymentService) CreatePayment(_ context.Context, userID string, req billing.CreatePaymentRequest) (*types.Payment, error) {
	f.created = append(f.created, req)
	if f.err != nil {
		return nil, f.err
	}
	return &types.Payment{PaymentID: req.PaymentID, UserID: userID, Status: types.PaymentStatusPending}, nil
}

func (f *fakePaymentService) Verify(_ context.Context, userID, paymentID string) (*types.Payment, error) {
	f.verified = append(f.verified, paymentID)
	if f.err != nil {
		return nil, f.err
	}
	if f.payment != nil {
		return f.payment, nil
	}
	return &types.Payment{PaymentID: paymentID, UserID: userID, Status: types.PaymentStatusPaid}, nil
}

func (f *fakePaymentService) GetPayment(_ context.Context, userID, paymentID string) (*types.Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Payment{PaymentID: paymentID, UserID: userID}, nil
}

func (f *fakePaymentService) ListPayments(context.Context, string, int, int) ([]types.Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []types.Payment{}, nil
}

func newPaymentServer(svc PaymentService) *httptest.Server {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(core.IdentityMiddleware)
		NewPaymentHandler(svc, core.NewValidator(testLogger()), testLogger()).RegisterRoutes(r)
	})
	return httptest.NewServer(r)
}

func doJSON(t *testing.T, method, url, userID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set(core.HeaderUserID, userID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestPaymentCreate_Success(t *testing.T) {
	svc := &fakePaymentService{}
	srv := newPaymentServer(svc)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/payments", "user_1",
		`{"payment_id":"pay_abc","purpose":"SUBSCRIPTION_UPGRADE","amount":9900,"target_tier":"PRO"}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, svc.created, 1)
	assert.Equal(t, "pay_abc", svc.created[0].PaymentID)
	assert.Equal(t, types.PurposeSubscriptionUpgrade, svc.created[0].Purpose)
	assert.Equal(t, types.TierPro, svc.created[0].TargetTier)
}

func TestPaymentCreate_MissingIdentity(t *testing.T) {
	svc := &fakePaymentService{}
	srv := newPaymentServer(svc)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/payments", "",
		`{"payment_id":"pay_abc","purpose":"CREDIT_PURCHASE","amount":3000}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, svc.created)
}

func TestPaymentCreate_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing payment id", `{"purpose":"CREDIT_PURCHASE","amount":3000}`},
		{"unknown purpose", `{"payment_id":"p","purpose":"DONATION","amount":3000}`},
		{"non positive amount", `{"payment_id":"p","purpose":"CREDIT_PURCHASE","amount":0}`},
		{"invalid tier", `{"payment_id":"p","purpose":"SUBSCRIPTION_UPGRADE","amount":100,"target_tier":"GOLD"}`},
		{"unknown field", `{"payment_id":"p","purpose":"CREDIT_PURCHASE","amount":3000,"coupon":"x"}`},
		{"malformed json", `{"payment_id":`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakePaymentService{}
			srv := newPaymentServer(svc)
			defer srv.Close()

			resp := doJSON(t, http.MethodPost, srv.URL+"/payments", "user_1", tc.body)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Empty(t, svc.created)
		})
	}
}

func TestPaymentCreate_ServiceConflictMapsTo409(t *testing.T) {
	svc := &fakePaymentService{err: types.NewAppError(types.ErrCodeConflictIdempotencyMismatch, "key reuse", nil)}
	srv := newPaymentServer(svc)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/payments", "user_1",
		`{"payment_id":"pay_abc","purpose":"CREDIT_PURCHASE","amount":3000}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, string(types.ErrCodeConflictIdempotencyMismatch), envelope.Error.Code)
}

func TestPaymentVerify_Success(t *testing.T) {
	svc := &fakePaymentService{}
	srv := newPaymentServer(svc)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/payments/pay_abc/verify", "user_1", "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"pay_abc"}, svc.verified)
}

func TestPaymentGet_NotFound(t *testing.T) {
	svc := &fakePaymentService{err: types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)}
	srv := newPaymentServer(svc)
	defer srv.Close()

	resp := doJSON(t, http.MethodGet, srv.URL+"/payments/pay_missing", "user_1", "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
