package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"slideforge/internal/types"
)

// Webhook header names used by PayRail deliveries.
const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"
)

// webhookTolerance bounds the accepted clock skew between PayRail and us.
// Outside this window a replayed delivery is rejected even with a valid
// signature.
const webhookTolerance = 5 * time.Minute

// VerifyWebhookSignature authenticates a webhook delivery before any of its
// content is trusted. The scheme is a timestamped HMAC-SHA256 over
// "{id}.{timestamp}.{body}" with the shared endpoint secret; the signature
// header carries one or more space-separated "v1,<base64>" entries, any one
// of which may match (the vendor sends multiple during secret rotation).
//
// Verification fails closed: a missing header, a stale or future timestamp,
// or a signature mismatch all reject the delivery. Callers must respond
// with an authentication error and perform no mutation on rejection.
func VerifyWebhookSignature(headers http.Header, body []byte, secret string) error {
	return verifyWebhookSignatureAt(headers, body, secret, time.Now().UTC())
}

func verifyWebhookSignatureAt(headers http.Header, body []byte, secret string, now time.Time) error {
	id := headers.Get(HeaderWebhookID)
	timestamp := headers.Get(HeaderWebhookTimestamp)
	signatures := headers.Get(HeaderWebhookSignature)
	if id == "" || timestamp == "" || signatures == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureMissing,
			"webhook delivery is missing required signature headers", nil)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"webhook timestamp is not a unix epoch integer", err)
	}
	sent := time.Unix(ts, 0)
	if sent.Before(now.Add(-webhookTolerance)) || sent.After(now.Add(webhookTolerance)) {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"webhook timestamp is outside the accepted tolerance window", nil)
	}

	expected := ComputeWebhookSignature(id, timestamp, body, secret)

	for _, entry := range strings.Fields(signatures) {
		version, sig, found := strings.Cut(entry, ",")
		if !found || version != "v1" {
			continue
		}
		provided, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(provided, expected) {
			return nil
		}
	}

	return types.NewAppError(types.ErrCodeAuthSignatureInvalid,
		"webhook signature does not match", nil)
}

// ComputeWebhookSignature returns the raw HMAC-SHA256 of the signed content
// "{id}.{timestamp}.{body}". Exported so tests and local tooling can sign
// synthetic deliveries. A "whsec_" prefix on the secret is the vendor's
// base64 key wrapping and is decoded before use.
func ComputeWebhookSignature(id, timestamp string, body []byte, secret string) []byte {
	key := []byte(secret)
	if encoded, ok := strings.CutPrefix(secret, "whsec_"); ok {
		if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
			key = decoded
		}
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
