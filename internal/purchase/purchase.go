// Package purchase issues purchase links and resolves them for the purchase
// page.
//
// Each issued link is recorded for auditing (who was sent which terms, and
// when), but resolution never consults that record: a link is honoured
// purely on the strength of its signature and expiry.
package purchase

import (
	"context"
	"errors"
	"time"

	"github.com/sitegrade/purchaselink/internal/linktoken"
)

var (
	ErrLinkNotFound = errors.New("purchase: link not found")
	ErrLinkExists   = errors.New("purchase: link already recorded")
	ErrLinkExpired  = errors.New("purchase: link has expired")
	ErrLinkInvalid  = errors.New("purchase: invalid link")
	ErrNoPreview    = errors.New("purchase: previews are not configured")
)

// Link is the audit record of one issued token. The token itself is not
// stored; Fingerprint identifies it.
type Link struct {
	ID           string    `json:"id"`
	BusinessID   string    `json:"businessId"`
	BusinessName string    `json:"businessName"`
	CampaignID   string    `json:"campaignId,omitempty"`
	Price        int64     `json:"price"`
	Value        int64     `json:"value"`
	PreviewPages int64     `json:"previewPages"`
	Fingerprint  string    `json:"fingerprint"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// IssuedLink is returned once, at creation. The token is not recoverable later.
type IssuedLink struct {
	Link  *Link  `json:"link"`
	Token string `json:"token"`
	URL   string `json:"url"`
}

// State is the purchase page's view of a token.
type State string

const (
	StateValid   State = "valid"
	StateExpired State = "expired"
	StateInvalid State = "invalid"
)

// Offer is the purchase terms carried by an authentic token.
type Offer struct {
	BusinessID   string    `json:"businessId"`
	BusinessName string    `json:"businessName"`
	CampaignID   string    `json:"campaignId,omitempty"`
	Price        int64     `json:"price"`
	Value        int64     `json:"value"`
	PreviewPages int64     `json:"previewPages"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Fingerprint  string    `json:"fingerprint"`
}

// Resolution is what the purchase page renders. Offer is set for valid and
// expired links only; invalid links carry nothing from the token.
type Resolution struct {
	State State  `json:"state"`
	Offer *Offer `json:"offer,omitempty"`
}

// Store persists link audit records.
type Store interface {
	Create(ctx context.Context, l *Link) error
	Get(ctx context.Context, id string) (*Link, error)
	// ListByBusiness returns records newest first; an empty businessID lists all.
	ListByBusiness(ctx context.Context, businessID string, limit int) ([]*Link, error)
}

func offerFrom(p *linktoken.Payload, fingerprint string) *Offer {
	return &Offer{
		BusinessID:   p.BusinessID,
		BusinessName: p.BusinessName,
		CampaignID:   p.CampaignID,
		Price:        p.Price,
		Value:        p.Value,
		PreviewPages: p.PreviewPages,
		ExpiresAt:    time.Unix(p.ExpiresAt, 0).UTC(),
		Fingerprint:  fingerprint,
	}
}
