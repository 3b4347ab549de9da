package referral

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists referral codes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed referral code store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, c *Code) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO referral_codes (
			code, kind, percent_bps, amount_off, description,
			active, max_redemptions, redemptions, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.Code, string(c.Kind), c.PercentBPS, c.AmountOff, nullString(c.Description),
		c.Active, c.MaxRedemptions, c.Redemptions, nullTime(c.ExpiresAt), c.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrCodeExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, code string) (*Code, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT code, kind, percent_bps, amount_off, description,
		       active, max_redemptions, redemptions, expires_at, created_at
		FROM referral_codes WHERE code = $1`, code)

	c, err := scanCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	return c, err
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Code, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT code, kind, percent_bps, amount_off, description,
		       active, max_redemptions, redemptions, expires_at, created_at
		FROM referral_codes
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Code
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) IncrementRedemptions(ctx context.Context, code string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE referral_codes
		SET redemptions = redemptions + 1
		WHERE code = $1 AND (max_redemptions = 0 OR redemptions < max_redemptions)`, code)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := p.Get(ctx, code); err != nil {
		return err
	}
	return ErrCodeExhausted
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCode(sc scanner) (*Code, error) {
	c := &Code{}
	var (
		kind        string
		description sql.NullString
		expiresAt   sql.NullTime
	)
	err := sc.Scan(
		&c.Code, &kind, &c.PercentBPS, &c.AmountOff, &description,
		&c.Active, &c.MaxRedemptions, &c.Redemptions, &expiresAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Kind = Kind(kind)
	c.Description = description.String
	if expiresAt.Valid {
		t := expiresAt.Time
		c.ExpiresAt = &t
	}
	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
