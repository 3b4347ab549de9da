package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sitegrade/purchaselink/internal/idgen"
	"github.com/sitegrade/purchaselink/internal/linktoken"
	"github.com/sitegrade/purchaselink/internal/logging"
	"github.com/sitegrade/purchaselink/internal/metrics"
	"github.com/sitegrade/purchaselink/internal/referral"
	"github.com/sitegrade/purchaselink/internal/traces"
	"github.com/sitegrade/purchaselink/internal/validation"
)

const orderIDPrefix = "ord_"

// Hosted sessions must live between these bounds.
const (
	minSessionTTL = 30 * time.Minute
	maxSessionTTL = 24*time.Hour - time.Minute
)

// LinkAuthorizer resolves a purchase-link token that must still be valid.
type LinkAuthorizer interface {
	Authorize(ctx context.Context, token string) (*linktoken.Payload, error)
}

// Discounts prices a referral code and records its use.
type Discounts interface {
	Quote(ctx context.Context, price int64, code string) (*referral.Quote, error)
	Redeem(ctx context.Context, code string) error
}

// StartRequest is the purchaser's request to pay for a link.
type StartRequest struct {
	Token        string `json:"token" binding:"required"`
	ReferralCode string `json:"referralCode"`
	Email        string `json:"email"`
}

// Service turns valid purchase links into orders and tracks their payment.
type Service struct {
	links     LinkAuthorizer
	discounts Discounts
	provider  Provider
	store     Store
	currency  string
	now       func() time.Time
}

// NewService creates a checkout service charging in currency.
func NewService(links LinkAuthorizer, discounts Discounts, provider Provider, store Store, currency string) *Service {
	return &Service{
		links:     links,
		discounts: discounts,
		provider:  provider,
		store:     store,
		currency:  strings.ToLower(currency),
		now:       time.Now,
	}
}

// Start validates the link, prices it and opens a hosted checkout session.
// A link priced at zero after discount is marked paid without a session.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "checkout.Start",
		traces.TokenFingerprint(linktoken.Fingerprint(req.Token)))
	defer span.End()

	req.Email = strings.TrimSpace(req.Email)
	if errs := validation.Validate(
		validation.Required("token", req.Token),
		validation.ValidEmail("email", req.Email),
		validation.MaxLength("referralCode", req.ReferralCode, 64),
	); len(errs) > 0 {
		return nil, errs
	}

	payload, err := s.links.Authorize(ctx, req.Token)
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	quote, err := s.discounts.Quote(ctx, payload.Price, req.ReferralCode)
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	now := s.now().UTC()
	order := &Order{
		ID:              idgen.WithPrefix(orderIDPrefix),
		BusinessID:      payload.BusinessID,
		BusinessName:    payload.BusinessName,
		CampaignID:      payload.CampaignID,
		LinkFingerprint: linktoken.Fingerprint(req.Token),
		ReferralCode:    quote.Code,
		Email:           req.Email,
		Currency:        s.currency,
		OriginalAmount:  quote.Original,
		DiscountAmount:  quote.Discount,
		Amount:          quote.Final,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	span.SetAttributes(
		traces.OrderID(order.ID),
		traces.BusinessID(order.BusinessID),
		traces.ReferralCode(order.ReferralCode),
		traces.Amount(order.Amount),
	)
	log := logging.L(ctx).With(
		"order_id", order.ID,
		"business_id", order.BusinessID,
		"fingerprint", order.LinkFingerprint,
	)

	if order.Amount == 0 {
		order.Status = StatusPaid
		order.PaidAt = &now
		if err := s.store.Create(ctx, order); err != nil {
			return nil, fmt.Errorf("checkout: create order: %w", err)
		}
		s.redeem(ctx, order)
		metrics.CheckoutSessionsTotal.WithLabelValues("free").Inc()
		log.Info("order completed without payment", "referral_code", order.ReferralCode)
		return order, nil
	}

	if err := s.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("checkout: create order: %w", err)
	}

	session, err := s.provider.CreateSession(ctx, SessionRequest{
		OrderID:     order.ID,
		ProductName: "Website assessment for " + order.BusinessName,
		Currency:    order.Currency,
		Amount:      order.Amount,
		Email:       order.Email,
		ExpiresAt:   sessionExpiry(now, time.Unix(payload.ExpiresAt, 0)),
		Metadata: map[string]string{
			"order_id":         order.ID,
			"business_id":      order.BusinessID,
			"campaign_id":      order.CampaignID,
			"link_fingerprint": order.LinkFingerprint,
			"referral_code":    order.ReferralCode,
		},
	})
	if err != nil {
		span.RecordError(err)
		metrics.CheckoutSessionsTotal.WithLabelValues("provider_error").Inc()
		log.Error("checkout session creation failed", "error", err)
		if tErr := s.store.Transition(ctx, order.ID, StatusPending, StatusFailed, s.now().UTC()); tErr != nil {
			log.Warn("failed to mark order failed", "error", tErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if err := s.store.AttachSession(ctx, order.ID, session.ID, session.URL); err != nil {
		return nil, fmt.Errorf("checkout: attach session: %w", err)
	}
	order.ProviderSession = session.ID
	order.CheckoutURL = session.URL

	metrics.CheckoutSessionsTotal.WithLabelValues("created").Inc()
	log.Info("checkout session created",
		"session_id", session.ID,
		"amount", order.Amount,
		"discount", order.DiscountAmount,
		"referral_code", order.ReferralCode,
	)
	return order, nil
}

// HandleWebhook verifies and applies a provider event. Events for unknown
// orders and repeated deliveries are acknowledged without effect.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := s.provider.ParseWebhook(payload, signatureHeader)
	if err != nil {
		return err
	}
	log := logging.L(ctx).With("event_id", event.ID, "event_type", string(event.Type), "session_id", event.SessionID)

	var target OrderStatus
	switch event.Type {
	case EventSessionCompleted:
		if !event.Paid {
			log.Info("checkout completed, awaiting delayed payment")
			return nil
		}
		target = StatusPaid
	case EventAsyncPaymentSucceeded:
		target = StatusPaid
	case EventAsyncPaymentFailed:
		target = StatusFailed
	case EventSessionExpired:
		target = StatusExpired
	default:
		log.Debug("ignoring webhook event")
		return nil
	}

	order, err := s.findOrder(ctx, event)
	if errors.Is(err, ErrOrderNotFound) {
		log.Warn("webhook for unknown order")
		return nil
	}
	if err != nil {
		return err
	}

	ctx, span := traces.StartSpan(ctx, "checkout.HandleWebhook", traces.OrderID(order.ID))
	defer span.End()

	err = s.store.Transition(ctx, order.ID, StatusPending, target, s.now().UTC())
	if errors.Is(err, ErrInvalidTransition) {
		log.Info("webhook ignored, order already settled", "order_id", order.ID, "status", string(order.Status))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("checkout: update order: %w", err)
	}

	metrics.CheckoutSessionsTotal.WithLabelValues(string(target)).Inc()
	log.Info("order updated", "order_id", order.ID, "status", string(target))
	if target == StatusPaid {
		s.redeem(ctx, order)
	}
	return nil
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// List returns orders in the given statuses, newest first.
func (s *Service) List(ctx context.Context, statuses []OrderStatus, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, statuses, limit)
}

func (s *Service) findOrder(ctx context.Context, event *Event) (*Order, error) {
	if event.SessionID != "" {
		order, err := s.store.GetBySession(ctx, event.SessionID)
		if !errors.Is(err, ErrOrderNotFound) {
			return order, err
		}
	}
	if event.OrderID != "" {
		return s.store.Get(ctx, event.OrderID)
	}
	return nil, ErrOrderNotFound
}

// redeem counts the referral use. Payment has already happened, so an
// exhausted code is logged rather than failing the order.
func (s *Service) redeem(ctx context.Context, order *Order) {
	if order.ReferralCode == "" {
		return
	}
	if err := s.discounts.Redeem(ctx, order.ReferralCode); err != nil {
		logging.L(ctx).Warn("referral redemption failed",
			"order_id", order.ID,
			"referral_code", order.ReferralCode,
			"error", err,
		)
	}
}

// ParseStatuses parses a comma-separated status filter.
func ParseStatuses(raw string) ([]OrderStatus, error) {
	var out []OrderStatus
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch st := OrderStatus(part); st {
		case StatusPending, StatusPaid, StatusExpired, StatusFailed:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("checkout: unknown order status %q", part)
		}
	}
	return out, nil
}

func sessionExpiry(now, linkExpiry time.Time) time.Time {
	exp := linkExpiry
	if exp.After(now.Add(maxSessionTTL)) {
		exp = now.Add(maxSessionTTL)
	}
	if exp.Before(now.Add(minSessionTTL)) {
		exp = now.Add(minSessionTTL)
	}
	return exp
}
