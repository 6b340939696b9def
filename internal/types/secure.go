package types

// redactedPlaceholder replaces secret values in logs and serialized output.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a sensitive configuration value: the gateway API
// secret, the webhook signing secret, the sweep trigger token, the
// database URL. It overrides String() and MarshalJSON() with a redacted
// placeholder so the raw value never reaches fmt output, structured log
// entries, or JSON-serialized config dumps.
//
// Unmask() returns the plaintext for the few places that genuinely need
// it, such as the gateway Authorization header or the pgx pool config.
type SecretString string

// String returns the redacted placeholder. Invoked by fmt verbs through
// the fmt.Stringer interface.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value. Call sites should be limited
// to the point where the secret leaves the process.
func (s SecretString) Unmask() string {
	return string(s)
}
