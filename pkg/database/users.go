package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"behavtrust/pkg/auth"
)

// ErrNoSuchUser aliases the auth sentinel so callers can match either.
var ErrNoSuchUser = auth.ErrUserNotFound

// UserRepository implements auth.UserStore and the engine's login recorder.
type UserRepository struct {
	db *Database
}

func NewUserRepository(db *Database) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) CreateUser(ctx context.Context, email, passwordHash string) error {
	_, err := r.db.DB.ExecContext(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1, $2)`,
		auth.NormalizeEmail(email), passwordHash)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return auth.ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepository) GetUser(ctx context.Context, email string) (auth.User, error) {
	var (
		u         auth.User
		lastLogin sql.NullTime
	)
	err := r.db.DB.QueryRowContext(ctx,
		`SELECT email, password_hash, successful_logins, last_login_at, last_login_ip, created_at
		   FROM users WHERE email = $1`, auth.NormalizeEmail(email)).
		Scan(&u.Email, &u.PasswordHash, &u.SuccessfulLogins, &lastLogin, &u.LastLoginIP, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrUserNotFound
	}
	if err != nil {
		return auth.User{}, fmt.Errorf("query user: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

func (r *UserRepository) RecordSuccessfulLogin(ctx context.Context, email, ip string, at time.Time) error {
	res, err := r.db.DB.ExecContext(ctx,
		`UPDATE users
		    SET successful_logins = successful_logins + 1,
		        last_login_at = $2,
		        last_login_ip = $3
		  WHERE email = $1`,
		auth.NormalizeEmail(email), at.UTC(), ip)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}

var _ auth.UserStore = (*UserRepository)(nil)
