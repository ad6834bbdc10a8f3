package otp

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_IssueVerify(t *testing.T) {
	svc := NewService(NewMemoryStore(nil), 0)
	ctx := context.Background()

	code, err := svc.Issue(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)

	assert.NoError(t, svc.Verify(ctx, "alice@example.com", code))
	assert.ErrorIs(t, svc.Verify(ctx, "alice@example.com", code), ErrInvalidCode, "codes are single use")
}

func TestService_WrongCodeBurnsPending(t *testing.T) {
	svc := NewService(NewMemoryStore(nil), 0)
	ctx := context.Background()

	code, err := svc.Issue(ctx, "bob@example.com")
	require.NoError(t, err)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	assert.ErrorIs(t, svc.Verify(ctx, "bob@example.com", wrong), ErrInvalidCode)
	assert.ErrorIs(t, svc.Verify(ctx, "bob@example.com", code), ErrInvalidCode)
}

func TestService_Expiry(t *testing.T) {
	now := time.Now()
	svc := NewService(NewMemoryStore(func() time.Time { return now }), time.Minute)
	ctx := context.Background()

	code, err := svc.Issue(ctx, "carol@example.com")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, svc.Verify(ctx, "carol@example.com", code), ErrInvalidCode)
}

func TestService_UnknownOwner(t *testing.T) {
	svc := NewService(NewMemoryStore(nil), 0)
	assert.ErrorIs(t, svc.Verify(context.Background(), "nobody@example.com", "123456"), ErrInvalidCode)
}
