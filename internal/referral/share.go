package referral

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sitegrade/purchaselink/internal/idgen"
)

// DefaultShareTTL is the lifetime of a referral share link. Share links are
// a separate token class from purchase links and live much longer.
const DefaultShareTTL = 30 * 24 * time.Hour

const (
	shareIssuer     = "purchaselink/referral"
	shareQueryParam = "ref"
	minShareSecret  = 32
)

var (
	ErrShareDisabled = errors.New("referral: share links are not configured")
	ErrShareExpired  = errors.New("referral: share link has expired")
	ErrShareInvalid  = errors.New("referral: invalid share link")
)

// ShareClaims is the JWT body of a referral share link.
type ShareClaims struct {
	Code     string `json:"code"`
	Referrer string `json:"referrer,omitempty"`
	jwt.RegisteredClaims
}

// ShareTokens mints and parses HS256 referral share tokens.
type ShareTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewShareTokens returns nil, ErrShareDisabled when secret is empty so callers
// can leave the feature off without special-casing.
func NewShareTokens(secret string, ttl time.Duration) (*ShareTokens, error) {
	if secret == "" {
		return nil, ErrShareDisabled
	}
	if len(secret) < minShareSecret {
		return nil, fmt.Errorf("referral: share secret must be at least %d bytes", minShareSecret)
	}
	if ttl <= 0 {
		ttl = DefaultShareTTL
	}
	return &ShareTokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Mint creates a share token for code on behalf of referrer.
func (s *ShareTokens) Mint(code, referrer string) (string, time.Time, error) {
	if s == nil {
		return "", time.Time{}, ErrShareDisabled
	}
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := ShareClaims{
		Code:     Normalize(code),
		Referrer: referrer,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        idgen.New(),
			Issuer:    shareIssuer,
			Subject:   Normalize(code),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("referral: sign share token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies token and returns its claims.
func (s *ShareTokens) Parse(token string) (*ShareClaims, error) {
	if s == nil {
		return nil, ErrShareDisabled
	}
	claims := &ShareClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(shareIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrShareExpired
		}
		return nil, ErrShareInvalid
	}
	if claims.Code == "" || claims.Code != claims.Subject {
		return nil, ErrShareInvalid
	}
	return claims, nil
}

// ShareURL appends token to baseURL as the ref query parameter.
func ShareURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("referral: invalid base url: %w", err)
	}
	q := u.Query()
	q.Set(shareQueryParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
