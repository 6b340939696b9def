package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"slideforge/internal/config"
	"slideforge/internal/types"
)

// Transaction is the typed projection of a PayRail transaction object. Raw
// holds the full vendor payload for opaque audit storage; only the fields
// the billing core acts on are lifted out.
type Transaction struct {
	ID         string                     `json:"id"`
	OrderRef   string                     `json:"order_ref"`
	Status     types.GatewayPaymentStatus `json:"status"`
	Amount     int64                      `json:"amount"`
	Currency   string                     `json:"currency"`
	Method     string                     `json:"method"`
	ReceiptURL string                     `json:"receipt_url"`
	FailReason string                     `json:"fail_reason"`
	Raw        json.RawMessage            `json:"-"`
}

// BillingKey is the typed projection of a PayRail stored billing key.
type BillingKey struct {
	Ref       string `json:"ref"`
	Customer  string `json:"customer"`
	CardBrand string `json:"card_brand"`
	CardLast4 string `json:"card_last4"`
	Active    bool   `json:"active"`
}

// IntentRequest are the parameters for createPaymentIntent.
type IntentRequest struct {
	OrderRef string `json:"order_ref"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Customer string `json:"customer"`
}

// Client talks to the PayRail REST API. It implements the billing and
// scheduler packages' gateway interfaces.
type Client struct {
	base    *BaseClient
	baseURL string
	secret  string
	storeID string
	logger  *slog.Logger
}

// NewClient creates a PayRail client from configuration. The HTTP client's
// timeout bounds each single-attempt call.
func NewClient(cfg config.GatewayConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:    NewBaseClient(&http.Client{Timeout: cfg.Timeout}, "payrail", "Slideforge/1.0"),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		secret:  cfg.APISecret.Unmask(),
		storeID: cfg.StoreID,
		logger:  logger,
	}
}

// NewClientWithBase creates a Client with a pre-configured BaseClient.
// Used by tests to control the breaker and transport.
func NewClientWithBase(base *BaseClient, baseURL, secret, storeID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:    base,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  secret,
		storeID: storeID,
		logger:  logger,
	}
}

// CreatePaymentIntent registers a checkout intent with PayRail and returns
// the created transaction in its initial state.
func (c *Client) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Transaction, error) {
	return c.doTransaction(ctx, http.MethodPost, "/v1/payments/intents", map[string]any{
		"order_ref": req.OrderRef,
		"amount":    req.Amount,
		"currency":  req.Currency,
		"customer":  req.Customer,
		"store_id":  c.storeID,
	})
}

// QueryPayment fetches the authoritative transaction state for an order
// reference. This is the source of truth the verify path reconciles
// against.
func (c *Client) QueryPayment(ctx context.Context, orderRef string) (*Transaction, error) {
	return c.doTransaction(ctx, http.MethodGet, "/v1/payments/"+orderRef, nil)
}

// IssueBillingKey exchanges a customer reference for a stored billing key.
func (c *Client) IssueBillingKey(ctx context.Context, customer string) (*BillingKey, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/billing-keys", map[string]any{
		"customer": customer,
		"store_id": c.storeID,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.handleErrorResponse(resp, "IssueBillingKey")
	}
	var key BillingKey
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode billing key response", err)
	}
	return &key, nil
}

// QueryBillingKey fetches the stored billing key by reference.
func (c *Client) QueryBillingKey(ctx context.Context, ref string) (*BillingKey, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/billing-keys/"+ref, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewAppError(types.ErrCodeNotFoundBillingKey, "billing key not found at gateway", nil)
	default:
		return nil, c.handleErrorResponse(resp, "QueryBillingKey")
	}
	var key BillingKey
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode billing key response", err)
	}
	return &key, nil
}

// DeleteBillingKey revokes the stored billing key at the gateway. A 404 is
// treated as success: the key is gone either way.
func (c *Client) DeleteBillingKey(ctx context.Context, ref string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/billing-keys/"+ref, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return c.handleErrorResponse(resp, "DeleteBillingKey")
	}
}

// ChargeBillingKey executes an off-session charge against a stored billing
// key. A decline is not an error at this layer: the returned transaction
// carries status FAILED and the vendor's failure reason, and the caller
// decides how to escalate.
func (c *Client) ChargeBillingKey(ctx context.Context, ref string, amount int64, currency, orderRef string) (*Transaction, error) {
	return c.doTransaction(ctx, http.MethodPost, "/v1/billing-keys/"+ref+"/charges", map[string]any{
		"amount":    amount,
		"currency":  currency,
		"order_ref": orderRef,
		"store_id":  c.storeID,
	})
}

func (c *Client) doTransaction(ctx context.Context, method, path string, body map[string]any) (*Transaction, error) {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "transaction not found at gateway", nil)
	default:
		return nil, c.handleErrorResponse(resp, method+" "+path)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to read gateway response", err)
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode gateway transaction", err)
	}
	tx.Raw = raw
	return &tx, nil
}

func (c *Client) do(ctx context.Context, method, path string, body map[string]any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
				"failed to encode gateway request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build gateway request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)

	return c.base.Do(req)
}

// payrailError is the vendor's error envelope.
type payrailError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// handleErrorResponse maps a non-success vendor response to an AppError.
// 4xx means PayRail understood and refused the request.
func (c *Client) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamGatewayRejected,
			fmt.Sprintf("%s: gateway returned status %d with unreadable body", operation, resp.StatusCode),
			readErr)
	}

	var vendorErr payrailError
	if err := json.Unmarshal(body, &vendorErr); err != nil || vendorErr.Error.Code == "" {
		return types.NewAppError(types.ErrCodeUpstreamGatewayRejected,
			fmt.Sprintf("%s: gateway returned status %d", operation, resp.StatusCode), nil)
	}

	c.logger.Warn("gateway rejected request",
		slog.String("operation", operation),
		slog.Int("status", resp.StatusCode),
		slog.String("vendor_code", vendorErr.Error.Code),
	)
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamGatewayRejected,
		fmt.Sprintf("%s: %s", operation, vendorErr.Error.Message), nil,
		map[string]any{"vendor_code": vendorErr.Error.Code})
}
