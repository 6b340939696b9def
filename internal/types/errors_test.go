package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidAmount, http.StatusBadRequest},
		{ErrCodeAuthMissingIdentity, http.StatusUnauthorized},
		{ErrCodeAuthSignatureInvalid, http.StatusUnauthorized},
		{ErrCodeAuthSweepTokenInvalid, http.StatusUnauthorized},
		{ErrCodeNotFoundPayment, http.StatusNotFound},
		{ErrCodeNotFoundSubscription, http.StatusNotFound},
		{ErrCodeConflictDuplicatePayment, http.StatusConflict},
		{ErrCodeConflictInvalidTransition, http.StatusConflict},
		{ErrCodePaymentInsufficientCredits, http.StatusPaymentRequired},
		{ErrCodeUpstreamGatewayRejected, http.StatusBadGateway},
		{ErrCodeUpstreamGatewayUnavailable, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{ErrorCode("something_new"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			if got := tc.code.HTTPStatus(); got != tc.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("row not found")
	appErr := NewAppError(ErrCodeNotFoundPayment, "payment not found", inner)

	if got := appErr.Error(); got != "not_found_payment: payment not found" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(appErr, inner) {
		t.Error("errors.Is should reach the wrapped error")
	}

	wrapped := fmt.Errorf("finalizing: %w", appErr)
	var target *AppError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find the AppError through wrapping")
	}
	if target.Code != ErrCodeNotFoundPayment {
		t.Errorf("unwrapped code = %q", target.Code)
	}
}

func TestAppError_WithDetailsDoesNotMutate(t *testing.T) {
	base := NewAppErrorWithDetails(ErrCodeConflictInvalidTransition, "terminal state", nil,
		map[string]any{"current_status": "PAID"})

	enriched := base.WithDetails(map[string]any{"requested_status": "CANCELED"})

	if len(base.Details) != 1 {
		t.Errorf("base details mutated: %v", base.Details)
	}
	if enriched.Details["current_status"] != "PAID" || enriched.Details["requested_status"] != "CANCELED" {
		t.Errorf("merged details = %v", enriched.Details)
	}
}
