package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sitegrade/purchaselink/internal/assessment"
	"github.com/sitegrade/purchaselink/internal/linktoken"
	"github.com/sitegrade/purchaselink/internal/logging"
	"github.com/sitegrade/purchaselink/internal/metrics"
	"github.com/sitegrade/purchaselink/internal/traces"
	"github.com/sitegrade/purchaselink/internal/validation"
)

// linkIDPrefix prefixes the token fingerprint to form a record ID, so a
// token maps to exactly one record.
const linkIDPrefix = "pl_"

// Previewer fetches assessment previews. *assessment.Client implements it.
type Previewer interface {
	Preview(ctx context.Context, businessID string, pages int) (*assessment.Preview, error)
}

// Service issues and resolves purchase links.
type Service struct {
	issuer    *linktoken.Issuer
	baseURL   string
	store     Store
	previewer Previewer
}

// NewService creates a purchase-link service. Links are built on baseURL.
func NewService(issuer *linktoken.Issuer, baseURL string, store Store) *Service {
	return &Service{issuer: issuer, baseURL: baseURL, store: store}
}

// WithPreviewer enables assessment previews for valid links.
func (s *Service) WithPreviewer(p Previewer) *Service {
	s.previewer = p
	return s
}

// TTL returns the lifetime of newly issued links.
func (s *Service) TTL() time.Duration {
	return s.issuer.TTL()
}

// CreateLink signs a token for req, records it and returns the purchase URL.
func (s *Service) CreateLink(ctx context.Context, req linktoken.IssueRequest) (*IssuedLink, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.CreateLink",
		traces.BusinessID(req.BusinessID),
		traces.CampaignID(req.CampaignID),
		traces.Amount(req.Price),
	)
	defer span.End()

	req.BusinessName = validation.CleanString(req.BusinessName)
	if errs := validation.Validate(
		validation.Required("businessId", req.BusinessID),
		validation.ValidID("businessId", req.BusinessID),
		validation.Required("businessName", req.BusinessName),
		validation.MaxLength("businessName", req.BusinessName, validation.MaxStringLength),
		validation.ValidID("campaignId", req.CampaignID),
		validation.NonNegative("price", req.Price),
		validation.NonNegative("value", req.Value),
		validation.NonNegative("previewPages", req.PreviewPages),
	); len(errs) > 0 {
		return nil, errs
	}

	token, payload, err := s.issuer.Issue(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	link, err := linktoken.BuildPurchaseURL(s.baseURL, token)
	if err != nil {
		return nil, err
	}

	fp := linktoken.Fingerprint(token)
	rec := &Link{
		ID:           linkIDPrefix + fp,
		BusinessID:   payload.BusinessID,
		BusinessName: payload.BusinessName,
		CampaignID:   payload.CampaignID,
		Price:        payload.Price,
		Value:        payload.Value,
		PreviewPages: payload.PreviewPages,
		Fingerprint:  fp,
		IssuedAt:     time.Unix(payload.IssuedAt, 0).UTC(),
		ExpiresAt:    time.Unix(payload.ExpiresAt, 0).UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		// Identical terms issued within the same second produce the same
		// token; hand back the existing record.
		if !errors.Is(err, ErrLinkExists) {
			span.RecordError(err)
			return nil, fmt.Errorf("purchase: record link: %w", err)
		}
		existing, getErr := s.store.Get(ctx, rec.ID)
		if getErr != nil {
			return nil, fmt.Errorf("purchase: record link: %w", getErr)
		}
		return &IssuedLink{Link: existing, Token: token, URL: link}, nil
	}

	metrics.LinkTokensIssuedTotal.Inc()
	span.SetAttributes(traces.TokenFingerprint(fp))
	logging.L(ctx).Info("purchase link issued",
		"link_id", rec.ID,
		"business_id", rec.BusinessID,
		"campaign_id", rec.CampaignID,
		"fingerprint", fp,
		"expires_at", rec.ExpiresAt,
	)

	return &IssuedLink{Link: rec, Token: token, URL: link}, nil
}

// Resolve validates token for the purchase page. It never fails: every
// input maps to one of the three states.
func (s *Service) Resolve(ctx context.Context, token string) Resolution {
	res, _ := s.validate(ctx, token)
	return res
}

// Authorize returns the payload of a valid token, or ErrLinkExpired /
// ErrLinkInvalid. Checkout calls this before charging.
func (s *Service) Authorize(ctx context.Context, token string) (*linktoken.Payload, error) {
	res, payload := s.validate(ctx, token)
	switch res.State {
	case StateValid:
		return payload, nil
	case StateExpired:
		return nil, ErrLinkExpired
	default:
		return nil, ErrLinkInvalid
	}
}

// Preview returns the offer and its assessment preview for a valid token.
func (s *Service) Preview(ctx context.Context, token string) (*Offer, *assessment.Preview, error) {
	if s.previewer == nil {
		return nil, nil, ErrNoPreview
	}
	res, payload := s.validate(ctx, token)
	switch res.State {
	case StateExpired:
		return res.Offer, nil, ErrLinkExpired
	case StateInvalid:
		return nil, nil, ErrLinkInvalid
	}

	preview, err := s.previewer.Preview(ctx, payload.BusinessID, int(payload.PreviewPages))
	if err != nil {
		return res.Offer, nil, err
	}
	return res.Offer, preview, nil
}

// Get returns one audit record.
func (s *Service) Get(ctx context.Context, id string) (*Link, error) {
	return s.store.Get(ctx, id)
}

// ListByBusiness returns audit records, newest first.
func (s *Service) ListByBusiness(ctx context.Context, businessID string, limit int) ([]*Link, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByBusiness(ctx, businessID, limit)
}

func (s *Service) validate(ctx context.Context, token string) (Resolution, *linktoken.Payload) {
	fp := linktoken.Fingerprint(token)
	_, span := traces.StartSpan(ctx, "purchase.Resolve", traces.TokenFingerprint(fp))
	defer span.End()

	result := s.issuer.Validate(token)
	metrics.LinkValidationsTotal.WithLabelValues(result.Status.String()).Inc()
	span.SetAttributes(traces.LinkStatus(result.Status.String()))

	log := logging.L(ctx).With("fingerprint", fp, "result", result.Status.String())
	switch {
	case result.Valid():
		log.Debug("purchase link resolved", "business_id", result.Payload.BusinessID)
		return Resolution{State: StateValid, Offer: offerFrom(result.Payload, fp)}, result.Payload
	case result.Expired():
		log.Info("expired purchase link presented", "business_id", result.Payload.BusinessID)
		return Resolution{State: StateExpired, Offer: offerFrom(result.Payload, fp)}, result.Payload
	default:
		log.Warn("invalid purchase link presented")
		return Resolution{State: StateInvalid}, nil
	}
}
