package linktoken

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Sign computes HMAC-SHA256 of payload under key.
func Sign(key SigningKey, payload []byte) []byte {
	mac := hmac.New(sha256.New, key.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Verify checks signature against payload in constant time.
// A zero key never verifies anything.
func Verify(key SigningKey, payload, signature []byte) bool {
	if key.IsZero() {
		return false
	}
	return hmac.Equal(Sign(key, payload), signature)
}
