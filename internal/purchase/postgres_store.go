package purchase

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists link audit records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed link store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const linkColumns = `id, business_id, business_name, campaign_id, price, value,
	preview_pages, fingerprint, issued_at, expires_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, l *Link) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO purchase_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.BusinessID, l.BusinessName, nullString(l.CampaignID), l.Price, l.Value,
		l.PreviewPages, l.Fingerprint, l.IssuedAt, l.ExpiresAt, l.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrLinkExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Link, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM purchase_links WHERE id = $1`, id)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLinkNotFound
	}
	return l, err
}

func (p *PostgresStore) ListByBusiness(ctx context.Context, businessID string, limit int) ([]*Link, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+linkColumns+`
		FROM purchase_links
		WHERE ($1 = '' OR business_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, businessID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLink(s scanner) (*Link, error) {
	var l Link
	var campaignID sql.NullString
	err := s.Scan(
		&l.ID, &l.BusinessID, &l.BusinessName, &campaignID, &l.Price, &l.Value,
		&l.PreviewPages, &l.Fingerprint, &l.IssuedAt, &l.ExpiresAt, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.CampaignID = campaignID.String
	l.IssuedAt = l.IssuedAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
