package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

const testGatewaySecret = "sk_live_payrail_9f2c41d8e7"

func TestSecretString_Redaction(t *testing.T) {
	s := SecretString(testGatewaySecret)

	cases := []struct {
		name string
		got  string
	}{
		{"String", s.String()},
		{"SprintfS", fmt.Sprintf("secret=%s", s)},
		{"SprintfV", fmt.Sprintf("secret=%v", s)},
		{"SprintfPlusV", fmt.Sprintf("secret=%+v", s)},
	}
	for _, tc := range cases {
		if strings.Contains(tc.got, testGatewaySecret) {
			t.Errorf("%s leaked the raw secret: %s", tc.name, tc.got)
		}
		if !strings.Contains(tc.got, redactedPlaceholder) {
			t.Errorf("%s = %q, want the redacted placeholder", tc.name, tc.got)
		}
	}
}

func TestSecretString_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(SecretString(testGatewaySecret))
	if err != nil {
		t.Fatalf("json.Marshal returned error: %v", err)
	}
	if want := `"` + redactedPlaceholder + `"`; string(data) != want {
		t.Errorf("MarshalJSON = %q, want %q", data, want)
	}
}

func TestSecretString_MarshalJSON_InConfigStruct(t *testing.T) {
	cfg := struct {
		APISecret     SecretString `json:"api_secret"`
		WebhookSecret SecretString `json:"webhook_secret"`
		StoreID       string       `json:"store_id"`
	}{
		APISecret:     SecretString(testGatewaySecret),
		WebhookSecret: SecretString("whsec_c2lnbmluZw=="),
		StoreID:       "store_main",
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("json.Marshal returned error: %v", err)
	}
	out := string(data)
	if strings.Contains(out, testGatewaySecret) || strings.Contains(out, "whsec_") {
		t.Errorf("config dump leaked a secret: %s", out)
	}
	if !strings.Contains(out, "store_main") {
		t.Errorf("config dump lost the non-secret field: %s", out)
	}
}

func TestSecretString_Unmask(t *testing.T) {
	if got := SecretString(testGatewaySecret).Unmask(); got != testGatewaySecret {
		t.Errorf("Unmask() = %q, want %q", got, testGatewaySecret)
	}
}

func TestSecretString_EmptyValue(t *testing.T) {
	s := SecretString("")

	if s.String() != redactedPlaceholder {
		t.Errorf("String() on empty secret = %q, want %q", s.String(), redactedPlaceholder)
	}
	if s.Unmask() != "" {
		t.Errorf("Unmask() on empty secret = %q, want empty string", s.Unmask())
	}
}
