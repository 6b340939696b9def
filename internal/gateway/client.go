// Package gateway is the anti-corruption layer between the billing core and
// the PayRail payment vendor API. All outbound HTTP goes through the
// BaseClient, which enforces circuit breaking, trace propagation, and error
// mapping. Calls are deliberately single-attempt: a payment charge is not
// safely re-submittable at this layer, so retry policy belongs to the
// callers that know whether the operation is idempotent.
package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker/v2"

	"slideforge/internal/types"
)

// BaseClient wraps an *http.Client and a circuit breaker. Every PayRail
// operation goes through Do exactly once per call; there is no retry loop.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	userAgent string
}

// NewBaseClient creates a BaseClient with its own circuit breaker. The
// breaker opens after a run of consecutive transport-level failures and
// half-opens one probe request at a time.
func NewBaseClient(httpClient *http.Client, breakerName, userAgent string) *BaseClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	return &BaseClient{
		client:    httpClient,
		breaker:   cb,
		userAgent: userAgent,
	}
}

// NewBaseClientWithBreaker creates a BaseClient with a caller-provided
// circuit breaker, for tests or for sharing a breaker across clients.
func NewBaseClientWithBreaker(httpClient *http.Client, breaker *gobreaker.CircuitBreaker[*http.Response], userAgent string) *BaseClient {
	return &BaseClient{
		client:    httpClient,
		breaker:   breaker,
		userAgent: userAgent,
	}
}

// Do executes the HTTP request once with:
//  1. Trace ID injection (X-B3-TraceId from context)
//  2. User-Agent header injection
//  3. Circuit breaker wrapping
//  4. Error mapping to types.AppError
//
// 5xx responses count as breaker failures and are mapped to an upstream
// error; 2xx-4xx responses are returned as-is for the caller to interpret.
// The caller is responsible for closing the response body.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-B3-TraceId", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		// 5xx counts as a failure for the circuit breaker.
		if r.StatusCode >= 500 {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err == nil {
		return resp, nil
	}

	if resp != nil {
		resp.Body.Close()
	}
	return nil, c.mapError(resp, err)
}

// mapError translates transport-level failures into domain-level AppErrors.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamGatewayUnavailable,
			"circuit breaker is open; payment gateway unavailable",
			err,
		)
	}
	if resp != nil && resp.StatusCode >= 500 {
		return types.NewAppError(
			types.ErrCodeUpstreamGatewayUnavailable,
			fmt.Sprintf("payment gateway returned %d", resp.StatusCode),
			err,
		)
	}
	// Network error, DNS failure, timeout.
	return types.NewAppError(
		types.ErrCodeUpstreamGatewayUnavailable,
		"payment gateway request failed",
		err,
	)
}
