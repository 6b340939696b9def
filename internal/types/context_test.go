package types

import (
	"context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_1")

	if got := GetRequestID(ctx); got != "req_1" {
		t.Errorf("GetRequestID() = %q, want %q", got, "req_1")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestUserIDRoundTrip(t *testing.T) {
	ctx := WithUserID(context.Background(), "user_1")

	if got := GetUserID(ctx); got != "user_1" {
		t.Errorf("GetUserID() = %q, want %q", got, "user_1")
	}
	if got := GetUserID(context.Background()); got != "" {
		t.Errorf("GetUserID() on empty context = %q, want empty", got)
	}
}
