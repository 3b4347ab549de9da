package linktoken

import (
	"fmt"
	"os"
)

// SecretEnv is the environment variable holding the shared signing secret.
const SecretEnv = "PURCHASE_LINK_SECRET"

// MinKeyLength is the minimum accepted secret length in bytes.
const MinKeyLength = 32

// ConfigError reports missing or weak key material. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("linktoken: invalid %s: %s", e.Field, e.Reason)
}

// SigningKey is the HMAC key used for purchase-link tokens.
// The zero value is unusable; obtain one from NewSigningKey or LoadSigningKey.
type SigningKey struct {
	secret []byte
}

// NewSigningKey wraps secret as a signing key, failing closed on weak input.
func NewSigningKey(secret string) (SigningKey, error) {
	if secret == "" {
		return SigningKey{}, &ConfigError{Field: SecretEnv, Reason: "is required"}
	}
	if len(secret) < MinKeyLength {
		return SigningKey{}, &ConfigError{
			Field:  SecretEnv,
			Reason: fmt.Sprintf("must be at least %d bytes, got %d", MinKeyLength, len(secret)),
		}
	}
	b := make([]byte, len(secret))
	copy(b, secret)
	return SigningKey{secret: b}, nil
}

// LoadSigningKey reads the secret from the process environment.
func LoadSigningKey() (SigningKey, error) {
	return NewSigningKey(os.Getenv(SecretEnv))
}

// IsZero reports whether the key was never initialised.
func (k SigningKey) IsZero() bool {
	return len(k.secret) == 0
}

// String never prints the secret.
func (k SigningKey) String() string {
	return "linktoken.SigningKey[redacted]"
}

// GoString keeps %#v from leaking the secret too.
func (k SigningKey) GoString() string {
	return k.String()
}
