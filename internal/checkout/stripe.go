package checkout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// NewStripeAPI returns a Stripe client bound to secretKey. Each client
// carries its own key so no package-level Stripe state is touched.
func NewStripeAPI(secretKey string, backends *stripe.Backends) *client.API {
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return sc
}

// StripeProvider creates Stripe Checkout Sessions and verifies Stripe webhooks.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
}

// NewStripeProvider creates a provider using api.
func NewStripeProvider(api *client.API, webhookSecret, successURL, cancelURL string) *StripeProvider {
	return &StripeProvider{
		api:           api,
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
}

// CreateSession opens a one-line-item payment-mode Checkout Session.
func (p *StripeProvider) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	for k, v := range req.Metadata {
		if v != "" {
			params.AddMetadata(k, v)
		}
	}
	params.Context = ctx

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	return &Session{ID: s.ID, URL: s.URL}, nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes checkout
// session events. The account's API version may differ from the library's,
// so version mismatches are tolerated.
func (p *StripeProvider) ParseWebhook(payload []byte, signatureHeader string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: event.ID, Type: EventType(event.Type)}
	if !out.Type.IsSessionEvent() {
		return out, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("checkout: decode session event: %w", err)
	}
	out.SessionID = cs.ID
	out.OrderID = cs.ClientReferenceID
	if out.OrderID == "" {
		out.OrderID = cs.Metadata["order_id"]
	}
	out.Paid = cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
		cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired
	return out, nil
}

var _ Provider = (*StripeProvider)(nil)
