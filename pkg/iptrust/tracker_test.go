package iptrust

import (
	"context"
	"sync"
	"testing"
	"time"

	"behavtrust/pkg/notify"
	"behavtrust/pkg/structlog"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sent struct {
	owner string
	kind  notify.Kind
	p     notify.Payload
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *recordingNotifier) Notify(owner string, kind notify.Kind, p notify.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{owner, kind, p})
}

func (n *recordingNotifier) count(kind notify.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.kind == kind {
			c++
		}
	}
	return c
}

func newTestTracker() (*Tracker, *MemoryStore, *recordingNotifier, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	n := &recordingNotifier{}
	tr := NewTracker(store, n, Config{Threshold: 3, TokenTTL: 3 * time.Hour, Now: clock.Now}, structlog.Discard(), nil)
	return tr, store, n, clock
}

func TestTracker_FourTierScore(t *testing.T) {
	ctx := context.Background()
	tr, _, n, _ := newTestTracker()

	score, err := tr.Evaluate(ctx, "alice", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, ScoreUnseen, score)

	res, err := tr.RegisterSuccess(ctx, "alice", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, PhaseSeen, res.Phase)
	assert.Equal(t, 1, res.Count)
	score, _ = tr.Evaluate(ctx, "alice", "10.0.0.1")
	assert.Equal(t, ScoreSeen, score)

	_, _ = tr.RegisterSuccess(ctx, "alice", "10.0.0.1")
	res, err = tr.RegisterSuccess(ctx, "alice", "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, res.Minted)
	assert.Equal(t, PhasePending, res.Phase)
	assert.False(t, res.Replaced)
	score, _ = tr.Evaluate(ctx, "alice", "10.0.0.1")
	assert.Equal(t, ScorePending, score)
	assert.Equal(t, 1, n.count(notify.KindTrustRequest))

	result, err := tr.Confirm(ctx, res.Minted.ID)
	require.NoError(t, err)
	assert.Equal(t, ConfirmConfirmed, result)
	score, _ = tr.Evaluate(ctx, "alice", "10.0.0.1")
	assert.Equal(t, ScoreTrusted, score)
	assert.Equal(t, 1, n.count(notify.KindTrustConfirmed))

	// Other owners and addresses are independent.
	score, _ = tr.Evaluate(ctx, "bob", "10.0.0.1")
	assert.Equal(t, ScoreUnseen, score)
	score, _ = tr.Evaluate(ctx, "alice", "10.0.0.2")
	assert.Equal(t, ScoreUnseen, score)
}

func TestTracker_ExactlyOneMintBeforeExpiry(t *testing.T) {
	ctx := context.Background()
	tr, store, n, clock := newTestTracker()

	minted := 0
	for i := 0; i < 8; i++ {
		res, err := tr.RegisterSuccess(ctx, "alice", "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, i+1, res.Count)
		if res.Minted != nil {
			minted++
		}
		clock.Advance(10 * time.Minute)
	}
	assert.Equal(t, 1, minted)
	assert.Len(t, store.Tokens("alice", "10.0.0.1"), 1)
	assert.Equal(t, 1, n.count(notify.KindTrustRequest))
}

func TestTracker_ExpiredTokenIsReplaced(t *testing.T) {
	ctx := context.Background()
	tr, store, n, clock := newTestTracker()

	var first *Token
	for i := 0; i < 3; i++ {
		res, err := tr.RegisterSuccess(ctx, "alice", "10.0.0.1")
		require.NoError(t, err)
		if res.Minted != nil {
			first = res.Minted
		}
	}
	require.NotNil(t, first)
	assert.True(t, first.ExpiresAt.After(first.CreatedAt))

	clock.Advance(3*time.Hour + time.Second)

	score, _ := tr.Evaluate(ctx, "alice", "10.0.0.1")
	assert.Equal(t, ScoreSeen, score, "expired token no longer counts as pending")

	_, err := tr.Confirm(ctx, first.ID)
	assert.ErrorIs(t, err, ErrTokenExpired)

	res, err := tr.RegisterSuccess(ctx, "alice", "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, res.Minted)
	assert.True(t, res.Replaced)
	assert.NotEqual(t, first.ID, res.Minted.ID)
	assert.Len(t, store.Tokens("alice", "10.0.0.1"), 2)
	assert.Equal(t, 2, n.count(notify.KindTrustRequest))

	// The old token stays expired even though a new one exists.
	_, err = tr.Confirm(ctx, first.ID)
	assert.ErrorIs(t, err, ErrTokenExpired)

	result, err := tr.Confirm(ctx, res.Minted.ID)
	require.NoError(t, err)
	assert.Equal(t, ConfirmConfirmed, result)
}

func TestTracker_ConfirmIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tr, _, n, clock := newTestTracker()

	var tok *Token
	for i := 0; i < 3; i++ {
		res, _ := tr.RegisterSuccess(ctx, "alice", "10.0.0.1")
		if res.Minted != nil {
			tok = res.Minted
		}
	}
	require.NotNil(t, tok)

	first, err := tr.Confirm(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, ConfirmConfirmed, first)

	// Confirmed tokens never expire.
	clock.Advance(24 * time.Hour)
	for i := 0; i < 2; i++ {
		again, err := tr.Confirm(ctx, tok.ID)
		require.NoError(t, err)
		assert.Equal(t, ConfirmAlreadyTrusted, again)
	}
	assert.Equal(t, 1, n.count(notify.KindTrustConfirmed))

	res, err := tr.RegisterSuccess(ctx, "alice", "10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, res.Minted)
	assert.Equal(t, PhaseTrusted, res.Phase)

	score, _ := tr.Evaluate(ctx, "alice", "10.0.0.1")
	assert.Equal(t, ScoreTrusted, score)
}

func TestTracker_ConfirmUnknownToken(t *testing.T) {
	tr, _, _, _ := newTestTracker()

	_, err := tr.Confirm(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrTokenNotFound)

	_, err = tr.Confirm(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestTracker_ConcurrentRegistrationsMintOnce(t *testing.T) {
	ctx := context.Background()
	tr, store, n, _ := newTestTracker()

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	minted := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tr.RegisterSuccess(ctx, "alice", "10.0.0.1")
			assert.NoError(t, err)
			if res.Minted != nil {
				mu.Lock()
				minted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	st, err := store.View(ctx, "alice", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, workers, st.Record.SuccessCount)
	assert.Equal(t, 1, minted)
	assert.Len(t, store.Tokens("alice", "10.0.0.1"), 1)
	assert.Equal(t, 1, n.count(notify.KindTrustRequest))
}

func TestTracker_RejectsEmptyIdentity(t *testing.T) {
	tr, _, _, _ := newTestTracker()
	_, err := tr.RegisterSuccess(context.Background(), "", "10.0.0.1")
	assert.Error(t, err)
}

func TestTracker_Phase(t *testing.T) {
	ctx := context.Background()
	tr, _, _, _ := newTestTracker()

	p, err := tr.Phase(ctx, "alice", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, PhaseUnseen, p)

	for i := 0; i < 3; i++ {
		_, _ = tr.RegisterSuccess(ctx, "alice", "10.0.0.1")
	}
	p, _ = tr.Phase(ctx, "alice", "10.0.0.1")
	assert.Equal(t, PhasePending, p)
}
