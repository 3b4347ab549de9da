// Package checkout hands a validated purchase link off to the payment
// provider and tracks the resulting order until payment completes.
package checkout

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderNotFound     = errors.New("checkout: order not found")
	ErrOrderExists       = errors.New("checkout: order already exists")
	ErrInvalidTransition = errors.New("checkout: invalid order status transition")
	ErrInvalidSignature  = errors.New("checkout: invalid webhook signature")
	ErrProvider          = errors.New("checkout: payment provider error")
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending OrderStatus = "pending" // session created, awaiting payment
	StatusPaid    OrderStatus = "paid"
	StatusExpired OrderStatus = "expired" // session lapsed without payment
	StatusFailed  OrderStatus = "failed"  // session refused, or delayed payment declined
)

// Order records one checkout attempt. Amounts are minor currency units.
type Order struct {
	ID              string      `json:"id"`
	BusinessID      string      `json:"businessId"`
	BusinessName    string      `json:"businessName"`
	CampaignID      string      `json:"campaignId,omitempty"`
	LinkFingerprint string      `json:"linkFingerprint"`
	ReferralCode    string      `json:"referralCode,omitempty"`
	Email           string      `json:"email,omitempty"`
	Currency        string      `json:"currency"`
	OriginalAmount  int64       `json:"originalAmount"`
	DiscountAmount  int64       `json:"discountAmount"`
	Amount          int64       `json:"amount"`
	Status          OrderStatus `json:"status"`
	ProviderSession string      `json:"providerSession,omitempty"`
	CheckoutURL     string      `json:"checkoutUrl,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	PaidAt          *time.Time  `json:"paidAt,omitempty"`
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetBySession(ctx context.Context, sessionID string) (*Order, error)
	AttachSession(ctx context.Context, id, sessionID, checkoutURL string) error
	// Transition moves an order from one status to another, failing with
	// ErrInvalidTransition if it is not currently in from.
	Transition(ctx context.Context, id string, from, to OrderStatus, at time.Time) error
	// ListByStatus returns orders newest first; no statuses lists all.
	ListByStatus(ctx context.Context, statuses []OrderStatus, limit int) ([]*Order, error)
}

// SessionRequest describes the hosted payment page to create.
type SessionRequest struct {
	OrderID     string
	ProductName string
	Currency    string
	Amount      int64
	Email       string
	ExpiresAt   time.Time
	Metadata    map[string]string
}

// Session is a created hosted payment page.
type Session struct {
	ID  string
	URL string
}

// EventType classifies provider webhook events the service acts on.
type EventType string

// A completed session whose payment method settles later (bank debits,
// vouchers) arrives unpaid and is followed by one of the async events.
const (
	EventSessionCompleted      EventType = "checkout.session.completed"
	EventSessionExpired        EventType = "checkout.session.expired"
	EventAsyncPaymentSucceeded EventType = "checkout.session.async_payment_succeeded"
	EventAsyncPaymentFailed    EventType = "checkout.session.async_payment_failed"
)

// IsSessionEvent reports whether t carries a checkout session.
func (t EventType) IsSessionEvent() bool {
	switch t {
	case EventSessionCompleted, EventSessionExpired, EventAsyncPaymentSucceeded, EventAsyncPaymentFailed:
		return true
	}
	return false
}

// Event is a verified provider webhook, reduced to what order tracking needs.
type Event struct {
	ID        string
	Type      EventType
	SessionID string
	OrderID   string
	Paid      bool
}

// Provider creates hosted checkout sessions and verifies their webhooks.
type Provider interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	// ParseWebhook verifies the signature header and decodes the event,
	// returning ErrInvalidSignature for anything not signed by the provider.
	ParseWebhook(payload []byte, signatureHeader string) (*Event, error)
}
