package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errDown = errors.New("smtp down")

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("smtp", Settings{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		Now:              func() time.Time { return now },
	})
	ctx := context.Background()
	fail := func() error { return errDown }
	ok := func() error { return nil }

	assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("smtp", Settings{FailureThreshold: 1, Timeout: time.Second, Now: func() time.Time { return now }})
	ctx := context.Background()

	cb.Execute(ctx, func() error { return errDown })
	now = now.Add(time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return errDown }), errDown)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("smtp", Settings{FailureThreshold: 1, Timeout: time.Second, Now: func() time.Time { return now }})
	ctx := context.Background()
	cb.Execute(ctx, func() error { return errDown })
	now = now.Add(time.Second)

	err := cb.Execute(ctx, func() error {
		return cb.Execute(ctx, func() error { return nil })
	})
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestCircuitBreaker_CancelledContextIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker("smtp", Settings{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cb.Execute(ctx, func() error { return context.Canceled })
	assert.Equal(t, StateClosed, cb.State())
	cb.Reset()
	assert.Equal(t, "closed", cb.State().String())
}
