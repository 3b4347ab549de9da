// Package linktoken issues and validates signed, time-limited purchase-link tokens.
//
// A token carries the purchase terms for one business (price, estimated value,
// campaign, number of preview pages) and is signed with HMAC-SHA256 under a
// shared secret. Tokens are never stored server-side: they live only in the
// URL handed to the purchaser and expire after a fixed TTL.
package linktoken

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is how long a purchase link stays valid.
const DefaultTTL = 24 * time.Hour

var ErrInvalidTTL = errors.New("linktoken: ttl must be at least one second")

// IssueRequest holds the business terms embedded in a new token.
type IssueRequest struct {
	BusinessID   string `json:"businessId" binding:"required"`
	BusinessName string `json:"businessName" binding:"required"`
	Price        int64  `json:"price"`
	Value        int64  `json:"value"`
	CampaignID   string `json:"campaignId"`
	PreviewPages int64  `json:"previewPages"`
}

// Generate builds and signs a token for req, issued at now and expiring ttl later.
func Generate(key SigningKey, req IssueRequest, ttl time.Duration, now time.Time) (string, Payload, error) {
	if key.IsZero() {
		return "", Payload{}, &ConfigError{Field: SecretEnv, Reason: "signing key not loaded"}
	}
	if ttl < time.Second {
		return "", Payload{}, ErrInvalidTTL
	}

	issuedAt := now.Unix()
	p := Payload{
		BusinessID:   req.BusinessID,
		BusinessName: req.BusinessName,
		Price:        req.Price,
		Value:        req.Value,
		CampaignID:   req.CampaignID,
		PreviewPages: req.PreviewPages,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt + int64(ttl/time.Second),
	}

	raw, err := EncodePayload(p)
	if err != nil {
		return "", Payload{}, err
	}
	return Assemble(raw, Sign(key, raw)), p, nil
}

// Issuer binds a signing key, TTL and clock. It holds no mutable state and
// is safe for concurrent use.
type Issuer struct {
	key SigningKey
	ttl time.Duration
	now func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source (for tests and offline tooling).
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates an Issuer. ttl is truncated to whole seconds.
func NewIssuer(key SigningKey, ttl time.Duration, opts ...Option) (*Issuer, error) {
	if key.IsZero() {
		return nil, &ConfigError{Field: SecretEnv, Reason: "signing key not loaded"}
	}
	if ttl < time.Second {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidTTL, ttl)
	}
	i := &Issuer{
		key: key,
		ttl: ttl.Truncate(time.Second),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a new token for req at the issuer's current time.
func (i *Issuer) Issue(req IssueRequest) (string, Payload, error) {
	return Generate(i.key, req, i.ttl, i.now())
}

// Validate checks token at the issuer's current time.
func (i *Issuer) Validate(token string) Result {
	return Validate(token, i.key, i.now())
}
