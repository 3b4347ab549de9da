// Package referral manages referral codes and the discounts they grant on
// purchase-link prices.
package referral

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrCodeNotFound  = errors.New("referral: code not found")
	ErrCodeExists    = errors.New("referral: code already exists")
	ErrCodeInactive  = errors.New("referral: code is not active")
	ErrCodeExpired   = errors.New("referral: code has expired")
	ErrCodeExhausted = errors.New("referral: code has no redemptions left")
	ErrInvalidCode   = errors.New("referral: invalid code definition")
)

// Kind selects how a code discounts a price.
type Kind string

const (
	KindPercent Kind = "percent"
	KindFixed   Kind = "fixed"
)

// MaxPercentBPS is 100% expressed in basis points.
const MaxPercentBPS = 10000

// Code is a referral code. Amounts are minor currency units.
type Code struct {
	Code           string     `json:"code"`
	Kind           Kind       `json:"kind"`
	PercentBPS     int64      `json:"percentBps,omitempty"` // KindPercent: 1500 = 15%
	AmountOff      int64      `json:"amountOff,omitempty"`  // KindFixed
	Description    string     `json:"description,omitempty"`
	Active         bool       `json:"active"`
	MaxRedemptions int64      `json:"maxRedemptions"` // 0 = unlimited
	Redemptions    int64      `json:"redemptions"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Quote is the result of applying a code to a price.
type Quote struct {
	Code     string `json:"code,omitempty"`
	Original int64  `json:"original"`
	Discount int64  `json:"discount"`
	Final    int64  `json:"final"`
}

// Store persists referral codes.
type Store interface {
	Create(ctx context.Context, c *Code) error
	Get(ctx context.Context, code string) (*Code, error)
	List(ctx context.Context, limit int) ([]*Code, error)
	// IncrementRedemptions atomically counts one redemption, failing with
	// ErrCodeExhausted once MaxRedemptions is reached.
	IncrementRedemptions(ctx context.Context, code string) error
}

// Normalize canonicalises user-entered codes.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CalculateDiscountedPrice applies code to original and clamps the result
// to [0, original]. Percent discounts round down in the buyer's disfavour by
// at most one minor unit.
func CalculateDiscountedPrice(original int64, code Code) int64 {
	if original <= 0 {
		return 0
	}

	var discount int64
	switch code.Kind {
	case KindPercent:
		bps := clamp(code.PercentBPS, 0, MaxPercentBPS)
		// Split to avoid overflow on large prices.
		discount = (original/MaxPercentBPS)*bps + (original%MaxPercentBPS)*bps/MaxPercentBPS
	case KindFixed:
		discount = code.AmountOff
	}

	return clamp(original-clamp(discount, 0, original), 0, original)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// usable reports why a stored code cannot be applied at now, if at all.
func (c *Code) usable(now time.Time) error {
	if !c.Active {
		return ErrCodeInactive
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return ErrCodeExpired
	}
	if c.MaxRedemptions > 0 && c.Redemptions >= c.MaxRedemptions {
		return ErrCodeExhausted
	}
	return nil
}

func (c *Code) validate() error {
	if c.Code == "" || len(c.Code) > 64 {
		return ErrInvalidCode
	}
	switch c.Kind {
	case KindPercent:
		if c.PercentBPS <= 0 || c.PercentBPS > MaxPercentBPS || c.AmountOff != 0 {
			return ErrInvalidCode
		}
	case KindFixed:
		if c.AmountOff <= 0 || c.PercentBPS != 0 {
			return ErrInvalidCode
		}
	default:
		return ErrInvalidCode
	}
	if c.MaxRedemptions < 0 {
		return ErrInvalidCode
	}
	return nil
}
