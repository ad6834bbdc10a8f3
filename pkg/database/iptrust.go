package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"behavtrust/pkg/iptrust"
)

// IPTrustRepository implements iptrust.Store. Update serialises callers per
// (owner, ip) with a transaction-scoped advisory lock, which also covers the
// first insert where there is no row to lock yet.
type IPTrustRepository struct {
	db *Database
}

func NewIPTrustRepository(db *Database) *IPTrustRepository {
	return &IPTrustRepository{db: db}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const tokenColumns = `id, owner, ip, created_at, expires_at, confirmed, confirmed_at`

func scanToken(row *sql.Row) (*iptrust.Token, error) {
	var (
		t           iptrust.Token
		confirmedAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Owner, &t.IP, &t.CreatedAt, &t.ExpiresAt, &t.Confirmed, &confirmedAt); err != nil {
		return nil, err
	}
	if confirmedAt.Valid {
		ts := confirmedAt.Time
		t.ConfirmedAt = &ts
	}
	return &t, nil
}

func loadState(ctx context.Context, q queryer, owner, ip string, forUpdate bool) (iptrust.State, error) {
	var st iptrust.State

	query := `SELECT owner, ip, success_count, first_seen, last_seen
	            FROM ip_trust_records WHERE owner = $1 AND ip = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var rec iptrust.Record
	err := q.QueryRowContext(ctx, query, owner, ip).
		Scan(&rec.Owner, &rec.IP, &rec.SuccessCount, &rec.FirstSeen, &rec.LastSeen)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return st, fmt.Errorf("query ip record: %w", err)
	default:
		st.Record = &rec
	}

	tok, err := scanToken(q.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM ip_trust_tokens
		  WHERE owner = $1 AND ip = $2
		  ORDER BY created_at DESC LIMIT 1`, owner, ip))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return st, fmt.Errorf("query ip token: %w", err)
	default:
		st.Token = tok
	}
	return st, nil
}

func (r *IPTrustRepository) View(ctx context.Context, owner, ip string) (iptrust.State, error) {
	return loadState(ctx, r.db.DB, owner, ip, false)
}

func (r *IPTrustRepository) Update(ctx context.Context, owner, ip string, fn func(*iptrust.State) error) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1 || '|' || $2))`, owner, ip); err != nil {
			return fmt.Errorf("lock ip pair: %w", err)
		}
		st, err := loadState(ctx, tx, owner, ip, true)
		if err != nil {
			return err
		}
		var prevID string
		if st.Token != nil {
			prevID = st.Token.ID
		}

		if err := fn(&st); err != nil {
			return err
		}

		if rec := st.Record; rec != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ip_trust_records (owner, ip, success_count, first_seen, last_seen)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (owner, ip) DO UPDATE
				    SET success_count = EXCLUDED.success_count,
				        last_seen = EXCLUDED.last_seen`,
				owner, ip, rec.SuccessCount, rec.FirstSeen.UTC(), rec.LastSeen.UTC()); err != nil {
				return fmt.Errorf("upsert ip record: %w", err)
			}
		}
		if tok := st.Token; tok != nil && tok.ID != prevID {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ip_trust_tokens (id, owner, ip, created_at, expires_at, confirmed, confirmed_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				tok.ID, owner, ip, tok.CreatedAt.UTC(), tok.ExpiresAt.UTC(), tok.Confirmed, tok.ConfirmedAt); err != nil {
				return fmt.Errorf("insert ip token: %w", err)
			}
		}
		return nil
	})
}

func (r *IPTrustRepository) UpdateToken(ctx context.Context, id string, fn func(*iptrust.Token) error) (iptrust.Token, error) {
	var out iptrust.Token
	err := r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		tok, err := scanToken(tx.QueryRowContext(ctx,
			`SELECT `+tokenColumns+` FROM ip_trust_tokens WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return iptrust.ErrTokenNotFound
		}
		if err != nil {
			return fmt.Errorf("query ip token: %w", err)
		}
		if err := fn(tok); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE ip_trust_tokens
			    SET confirmed = $2, confirmed_at = $3, expires_at = $4
			  WHERE id = $1`,
			tok.ID, tok.Confirmed, tok.ConfirmedAt, tok.ExpiresAt.UTC()); err != nil {
			return fmt.Errorf("update ip token: %w", err)
		}
		out = *tok
		return nil
	})
	return out, err
}

var _ iptrust.Store = (*IPTrustRepository)(nil)
