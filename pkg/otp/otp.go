// Package otp issues short-lived numeric one-time passwords for the email
// login step.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidCode = errors.New("invalid or expired OTP")
)

const (
	DefaultTTL    = 120 * time.Second
	DefaultDigits = 6
	keyPrefix     = "otp:"
)

// Store persists at most one pending code per owner.
type Store interface {
	Put(ctx context.Context, owner, code string, ttl time.Duration) error
	// Take returns the pending code and removes it.
	Take(ctx context.Context, owner string) (string, bool, error)
}

// Service generates and verifies codes.
type Service struct {
	store  Store
	ttl    time.Duration
	digits int
}

func NewService(store Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, ttl: ttl, digits: DefaultDigits}
}

// Issue creates a new code for owner, replacing any pending one.
func (s *Service) Issue(ctx context.Context, owner string) (string, error) {
	code, err := generate(s.digits)
	if err != nil {
		return "", err
	}
	if err := s.store.Put(ctx, owner, code, s.ttl); err != nil {
		return "", fmt.Errorf("store otp: %w", err)
	}
	return code, nil
}

// Verify consumes the pending code. A wrong guess also burns it.
func (s *Service) Verify(ctx context.Context, owner, code string) error {
	stored, ok, err := s.store.Take(ctx, owner)
	if err != nil {
		return fmt.Errorf("load otp: %w", err)
	}
	if !ok || subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		return ErrInvalidCode
	}
	return nil
}

func generate(digits int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// RedisStore keeps codes under otp:<owner> with SETEX semantics.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, owner, code string, ttl time.Duration) error {
	return s.client.Set(ctx, keyPrefix+owner, code, ttl).Err()
}

func (s *RedisStore) Take(ctx context.Context, owner string) (string, bool, error) {
	code, err := s.client.GetDel(ctx, keyPrefix+owner).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return code, true, nil
}

type memEntry struct {
	code      string
	expiresAt time.Time
}

// MemoryStore is the single-process variant used in tests and dev mode.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]memEntry), now: now}
}

func (s *MemoryStore) Put(_ context.Context, owner, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[owner] = memEntry{code: code, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Take(_ context.Context, owner string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[owner]
	if !ok {
		return "", false, nil
	}
	delete(s.entries, owner)
	if !s.now().Before(e.expiresAt) {
		return "", false, nil
	}
	return e.code, true, nil
}
