package checkout

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, business_id, business_name, campaign_id, link_fingerprint,
	referral_code, email, currency, original_amount, discount_amount, amount, status,
	provider_session, checkout_url, created_at, updated_at, paid_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.BusinessID, o.BusinessName, nullString(o.CampaignID), o.LinkFingerprint,
		nullString(o.ReferralCode), nullString(o.Email), o.Currency,
		o.OriginalAmount, o.DiscountAmount, o.Amount, string(o.Status),
		nullString(o.ProviderSession), nullString(o.CheckoutURL),
		o.CreatedAt, o.UpdatedAt, o.PaidAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrOrderExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) GetBySession(ctx context.Context, sessionID string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE provider_session = $1`, sessionID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) AttachSession(ctx context.Context, id, sessionID, checkoutURL string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET provider_session = $2, checkout_url = $3, updated_at = NOW()
		WHERE id = $1`, id, sessionID, checkoutURL)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrOrderExists
		}
		return err
	}
	return requireRow(result)
}

// Transition is a compare-and-set on status so concurrent webhook
// deliveries settle an order exactly once.
func (p *PostgresStore) Transition(ctx context.Context, id string, from, to OrderStatus, at time.Time) error {
	var paidAt *time.Time
	if to == StatusPaid {
		paidAt = &at
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = $4, paid_at = COALESCE($5, paid_at)
		WHERE id = $1 AND status = $2`, id, string(from), string(to), at, paidAt)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrInvalidTransition
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []OrderStatus, limit int) ([]*Order, error) {
	filter := make([]string, len(statuses))
	for i, st := range statuses {
		filter[i] = string(st)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, pq.Array(filter), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		campaignID, referralCode, email sql.NullString
		session, checkoutURL            sql.NullString
		status                          string
		paidAt                          sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.BusinessID, &o.BusinessName, &campaignID, &o.LinkFingerprint,
		&referralCode, &email, &o.Currency, &o.OriginalAmount, &o.DiscountAmount, &o.Amount, &status,
		&session, &checkoutURL, &o.CreatedAt, &o.UpdatedAt, &paidAt,
	)
	if err != nil {
		return nil, err
	}
	o.CampaignID = campaignID.String
	o.ReferralCode = referralCode.String
	o.Email = email.String
	o.Status = OrderStatus(status)
	o.ProviderSession = session.String
	o.CheckoutURL = checkoutURL.String
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}
	return o, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
