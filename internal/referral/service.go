package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/sitegrade/purchaselink/internal/metrics"
)

// CreateRequest is the input for defining a referral code.
type CreateRequest struct {
	Code           string     `json:"code" binding:"required"`
	Kind           Kind       `json:"kind" binding:"required"`
	PercentBPS     int64      `json:"percentBps"`
	AmountOff      int64      `json:"amountOff"`
	Description    string     `json:"description"`
	MaxRedemptions int64      `json:"maxRedemptions"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

// Service implements referral code business logic.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a new referral service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// CreateCode validates and stores a new active code.
func (s *Service) CreateCode(ctx context.Context, req CreateRequest) (*Code, error) {
	c := &Code{
		Code:           Normalize(req.Code),
		Kind:           req.Kind,
		PercentBPS:     req.PercentBPS,
		AmountOff:      req.AmountOff,
		Description:    req.Description,
		Active:         true,
		MaxRedemptions: req.MaxRedemptions,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      s.now().UTC(),
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Lookup returns a code that can currently be applied.
func (s *Service) Lookup(ctx context.Context, code string) (*Code, error) {
	c, err := s.store.Get(ctx, Normalize(code))
	if err != nil {
		return nil, err
	}
	if err := c.usable(s.now()); err != nil {
		return nil, err
	}
	return c, nil
}

// Quote prices price with code applied. An empty code yields an undiscounted quote.
func (s *Service) Quote(ctx context.Context, price int64, code string) (*Quote, error) {
	if price < 0 {
		return nil, fmt.Errorf("referral: price must not be negative")
	}
	if Normalize(code) == "" {
		return &Quote{Original: price, Final: price}, nil
	}

	c, err := s.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	final := CalculateDiscountedPrice(price, *c)
	metrics.ReferralDiscountsTotal.WithLabelValues(string(c.Kind)).Inc()
	return &Quote{
		Code:     c.Code,
		Original: price,
		Discount: price - final,
		Final:    final,
	}, nil
}

// Redeem records one use of code, typically after a completed payment.
func (s *Service) Redeem(ctx context.Context, code string) error {
	return s.store.IncrementRedemptions(ctx, Normalize(code))
}

// List returns stored codes, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*Code, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, limit)
}
