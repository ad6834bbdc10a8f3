package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"behavtrust/pkg/biometrics"
	"behavtrust/pkg/fusion"
	"behavtrust/pkg/iptrust"
	"behavtrust/pkg/ml"
	"behavtrust/pkg/notify"
	"behavtrust/pkg/structlog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogins struct {
	mu    sync.Mutex
	count map[string]int
	err   error
}

func (f *fakeLogins) RecordSuccessfulLogin(_ context.Context, owner, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.count[owner]++
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, notify.Kind, notify.Payload) {}

type fixture struct {
	engine  *Engine
	store   *biometrics.MemoryStore
	tracker *iptrust.Tracker
	logins  *fakeLogins
}

func newFixture() *fixture {
	log := structlog.Discard()
	store := biometrics.NewMemoryStore()
	trainer := biometrics.NewTrainer(store, store, biometrics.TrainerConfig{MinSamples: 30}, log, nil)
	predictor := biometrics.NewPredictor(store, biometrics.PredictorConfig{SVMWeight: 0.5, ClusterWeight: 0.5}, log, nil)
	tracker := iptrust.NewTracker(iptrust.NewMemoryStore(), nopNotifier{}, iptrust.Config{Threshold: 3}, log, nil)
	logins := &fakeLogins{count: map[string]int{}}

	e := New(Deps{
		Samples:   store,
		Predictor: predictor,
		Tracker:   tracker,
		Scheduler: biometrics.NewScheduler(store, trainer, nil, biometrics.SchedulerConfig{}, log, nil),
		Logins:    logins,
		Policy:    fusion.DefaultPolicy(),
		Log:       log,
	})
	return &fixture{engine: e, store: store, tracker: tracker, logins: logins}
}

func holdTime(mean float64) ml.Metrics {
	return ml.Metrics{ml.MetricHoldTime: {mean - 0.01, mean, mean + 0.01}}
}

// trainAlice stores 35 samples clustered around 0.15 and trains on them.
func (f *fixture) trainAlice(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	counts := []int{2, 2, 3, 3, 3, 3, 3, 3, 3, 3, 3, 2, 2}
	for i, c := range counts {
		for k := 0; k < c; k++ {
			res, err := f.engine.StoreSample(ctx, "alice", holdTime(0.09+0.01*float64(i)))
			require.NoError(t, err)
			require.True(t, res.Stored)
		}
	}
	sum := f.engine.TrainAllUsers(ctx)
	require.Equal(t, 1, sum.Trained)
}

func TestStoreSample_EmptyMetricsNotStored(t *testing.T) {
	f := newFixture()

	for _, m := range []ml.Metrics{nil, {}, {ml.MetricHoldTime: {}, ml.MetricFlightTime: nil}} {
		res, err := f.engine.StoreSample(context.Background(), "alice", m)
		require.NoError(t, err)
		assert.False(t, res.Stored)
	}
	untrained, trained := f.store.SampleCount("alice")
	assert.Zero(t, untrained+trained)
}

func TestStoreSample_RejectsNonFinite(t *testing.T) {
	f := newFixture()
	_, err := f.engine.StoreSample(context.Background(), "alice", ml.Metrics{ml.MetricDwellTime: {math.NaN()}})
	var invalid *ml.InvalidMetricError
	assert.ErrorAs(t, err, &invalid)
}

func TestTrainAllUsers_BelowMinimumLeavesSamples(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := 0; i < 29; i++ {
		_, err := f.engine.StoreSample(ctx, "bob", holdTime(0.15))
		require.NoError(t, err)
	}

	sum := f.engine.TrainAllUsers(ctx)
	assert.Equal(t, 1, sum.Insufficient)
	untrained, trained := f.store.SampleCount("bob")
	assert.Equal(t, 29, untrained)
	assert.Zero(t, trained)
	assert.Equal(t, biometrics.StatusUnknown, f.engine.Predict(ctx, "bob", holdTime(0.15)).Status)
}

func TestPredict_TrainedUser(t *testing.T) {
	f := newFixture()
	f.trainAlice(t)
	ctx := context.Background()

	genuine := f.engine.Predict(ctx, "alice", holdTime(0.16))
	assert.Equal(t, biometrics.StatusKnown, genuine.Status)
	assert.True(t, genuine.Inlier)
	assert.Greater(t, genuine.Confidence, 0.9)

	impostor := f.engine.Predict(ctx, "alice", holdTime(5.0))
	assert.False(t, impostor.Inlier)
	assert.Less(t, impostor.Confidence, 0.1)
}

func TestPredict_DegradesToUnknown(t *testing.T) {
	f := newFixture()
	f.trainAlice(t)

	pred := f.engine.Predict(context.Background(), "alice", ml.Metrics{ml.MetricHoldTime: {math.Inf(1)}})
	assert.Equal(t, biometrics.StatusUnknown, pred.Status)
	assert.Equal(t, "invalid metrics", pred.Reason)
}

func TestAuthenticate_TrainMode(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.store.SetMode(ctx, "alice", biometrics.ModeTrain))

	out, err := f.engine.Authenticate(ctx, "alice", "10.0.0.1", holdTime(0.15))
	require.NoError(t, err)
	assert.True(t, out.Authenticated)
	assert.Equal(t, 1.0, out.Confidence)
	assert.Equal(t, 1, f.logins.count["alice"])
	untrained, _ := f.store.SampleCount("alice")
	assert.Equal(t, 1, untrained)
}

func TestAuthenticate_NewUserIsDenied(t *testing.T) {
	f := newFixture()

	out, err := f.engine.Authenticate(context.Background(), "carol", "10.0.0.1", holdTime(0.15))
	require.NoError(t, err)
	assert.False(t, out.Authenticated)
	assert.Equal(t, 0.0, out.Confidence)
	assert.Equal(t, biometrics.StatusUnknown, out.Prediction.Status)
	assert.Zero(t, f.logins.count["carol"])
}

func TestAuthenticate_FusesBiometricsAndIP(t *testing.T) {
	f := newFixture()
	f.trainAlice(t)
	ctx := context.Background()

	genuine, err := f.engine.Authenticate(ctx, "alice", "10.0.0.1", holdTime(0.16))
	require.NoError(t, err)
	assert.True(t, genuine.Authenticated)
	assert.Equal(t, 0.0, genuine.IPScore)
	assert.Equal(t, fusion.Round4(0.7*genuine.Prediction.Confidence), genuine.Confidence)
	assert.Equal(t, 1, f.logins.count["alice"])

	// Promote the address to trusted, then an impostor on it still falls short.
	var tokenID string
	for i := 0; i < 3; i++ {
		tr, err := f.tracker.RegisterSuccess(ctx, "alice", "10.0.0.1")
		require.NoError(t, err)
		if tr.Minted != nil {
			tokenID = tr.Minted.ID
		}
	}
	require.Equal(t, ConfirmKindConfirmed, f.engine.ConfirmIPToken(ctx, tokenID).Kind)

	impostor, err := f.engine.Authenticate(ctx, "alice", "10.0.0.1", holdTime(5.0))
	require.NoError(t, err)
	assert.Equal(t, 1.0, impostor.IPScore)
	assert.False(t, impostor.Authenticated)
	assert.Equal(t, 1, f.logins.count["alice"])
}

func TestAuthenticate_LoginRecordFailureIsHard(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.store.SetMode(ctx, "alice", biometrics.ModeTrain))
	f.logins.err = errors.New("db down")

	_, err := f.engine.Authenticate(ctx, "alice", "10.0.0.1", holdTime(0.15))
	assert.ErrorContains(t, err, "db down")
}

func TestConfirmIPToken_Outcomes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	out := f.engine.ConfirmIPToken(ctx, "00000000-0000-4000-8000-000000000000")
	assert.Equal(t, ConfirmKindNotFound, out.Kind)
	assert.NotEmpty(t, out.Error)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.RegisterIPSuccess(ctx, "alice", "10.0.0.9"))
	}
	score, err := f.engine.EvaluateIPTrust(ctx, "alice", "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, iptrust.ScorePending, score)
}

func TestConfirmIPToken_Expired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tracker := iptrust.NewTracker(iptrust.NewMemoryStore(), nopNotifier{}, iptrust.Config{Threshold: 1, TokenTTL: time.Hour, Now: clock}, structlog.Discard(), nil)
	e := New(Deps{Tracker: tracker, Policy: fusion.DefaultPolicy(), Log: structlog.Discard()})

	tr, err := tracker.RegisterSuccess(context.Background(), "alice", "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, tr.Minted)

	now = now.Add(2 * time.Hour)
	out := e.ConfirmIPToken(context.Background(), tr.Minted.ID)
	assert.Equal(t, ConfirmKindExpired, out.Kind)
	assert.Equal(t, "Token expired", out.Error)
}

func TestFuse(t *testing.T) {
	e := New(Deps{Policy: fusion.DefaultPolicy(), Log: structlog.Discard()})
	assert.Equal(t, fusion.Decision{Fused: 0, Authenticated: false}, e.Fuse(0, 0))
	assert.Equal(t, fusion.Decision{Fused: 1, Authenticated: true}, e.Fuse(1, 1))
}
