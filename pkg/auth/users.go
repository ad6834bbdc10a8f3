package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// User is an account that can log in. Email is the owner identity used by
// every other component.
type User struct {
	Email            string     `json:"email"`
	PasswordHash     string     `json:"-"`
	SuccessfulLogins int        `json:"successful_logins"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP      string     `json:"last_login_ip,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) error
	GetUser(ctx context.Context, email string) (User, error)
	RecordSuccessfulLogin(ctx context.Context, email, ip string, at time.Time) error
}

// NormalizeEmail lower-cases and trims an email so lookups are stable.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MemoryUserStore keeps accounts in process.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]User)}
}

func (s *MemoryUserStore) CreateUser(_ context.Context, email, passwordHash string) error {
	email = NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return ErrUserExists
	}
	s.users[email] = User{Email: email, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryUserStore) GetUser(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[NormalizeEmail(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *MemoryUserStore) RecordSuccessfulLogin(_ context.Context, email, ip string, at time.Time) error {
	email = NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return ErrUserNotFound
	}
	u.SuccessfulLogins++
	at = at.UTC()
	u.LastLoginAt = &at
	u.LastLoginIP = ip
	s.users[email] = u
	return nil
}
