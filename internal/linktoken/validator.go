package linktoken

import (
	"bytes"
	"time"
)

// Status classifies the outcome of validating a token.
type Status int

const (
	StatusMalformed Status = iota // token does not parse or decode
	StatusTampered                // parses, but the signature does not match
	StatusExpired                 // authentic, past its expiry
	StatusValid                   // authentic and fresh
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusMalformed:
		return "malformed"
	case StatusTampered:
		return "tampered"
	case StatusExpired:
		return "expired"
	case StatusValid:
		return "valid"
	default:
		return "unknown"
	}
}

// Result is the outcome of Validate. Payload is set only for StatusValid
// and StatusExpired; an unauthenticated payload is never exposed.
type Result struct {
	Status  Status
	Payload *Payload
}

// Valid reports whether the token may be used for checkout.
func (r Result) Valid() bool { return r.Status == StatusValid }

// Expired reports whether the token was authentic but is past its expiry.
func (r Result) Expired() bool { return r.Status == StatusExpired }

// Invalid reports whether the token is tampered or malformed. Callers must
// not distinguish the two in anything shown to the user.
func (r Result) Invalid() bool {
	return r.Status == StatusTampered || r.Status == StatusMalformed
}

// Validate checks token under key at time now. It is total: every input,
// including the empty string, maps to exactly one Result.
//
// Authenticity is established before any payload field is trusted, so the
// expiry check only ever runs on signed data.
func Validate(token string, key SigningKey, now time.Time) Result {
	raw, sig, err := Parse(token)
	if err != nil {
		return Result{Status: StatusMalformed}
	}

	p, err := DecodePayload(raw)
	if err != nil {
		return Result{Status: StatusMalformed}
	}

	canonical, err := EncodePayload(p)
	if err != nil || !bytes.Equal(canonical, raw) {
		return Result{Status: StatusMalformed}
	}
	if !Verify(key, canonical, sig) {
		return Result{Status: StatusTampered}
	}

	if now.Unix() > p.ExpiresAt {
		return Result{Status: StatusExpired, Payload: &p}
	}
	return Result{Status: StatusValid, Payload: &p}
}
