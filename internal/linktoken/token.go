package linktoken

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// separator joins the payload and signature segments. It is outside the
// base64url alphabet.
const separator = "."

// MaxTokenLength bounds the input accepted by Parse.
const MaxTokenLength = 4096

var segmentEncoding = base64.RawURLEncoding.Strict()

// Assemble joins encoded payload and signature into a URL-safe token.
func Assemble(payload, signature []byte) string {
	return segmentEncoding.EncodeToString(payload) + separator + segmentEncoding.EncodeToString(signature)
}

// Parse splits a token back into payload and signature bytes.
func Parse(token string) (payload, signature []byte, err error) {
	if token == "" || len(token) > MaxTokenLength {
		return nil, nil, ErrMalformed
	}
	// The base64 decoder skips CR and LF; reject them so every accepted
	// token has exactly one spelling.
	if strings.ContainsAny(token, "\r\n") || strings.Count(token, separator) != 1 {
		return nil, nil, ErrMalformed
	}
	p, s, _ := strings.Cut(token, separator)
	if p == "" || s == "" {
		return nil, nil, ErrMalformed
	}

	payload, err = segmentEncoding.DecodeString(p)
	if err != nil {
		return nil, nil, ErrMalformed
	}
	signature, err = segmentEncoding.DecodeString(s)
	if err != nil {
		return nil, nil, ErrMalformed
	}
	return payload, signature, nil
}

// Fingerprint returns a short, non-reversible identifier for a token,
// safe to log or persist in place of the token itself.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
