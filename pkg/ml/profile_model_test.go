package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// holdTimeRows builds 35 feature rows whose hold_time means cluster around
// 0.15 (0.09..0.21 in 0.01 steps); every other metric is absent.
func holdTimeRows(t *testing.T) [][]float64 {
	t.Helper()
	counts := []int{2, 2, 3, 3, 3, 3, 3, 3, 3, 3, 3, 2, 2}
	var samples []Metrics
	for i, c := range counts {
		base := 0.09 + 0.01*float64(i)
		for k := 0; k < c; k++ {
			samples = append(samples, Metrics{MetricHoldTime: {base - 0.01, base, base + 0.01}})
		}
	}
	rows, err := FeatureExtractor{}.ExtractAll(samples)
	require.NoError(t, err)
	require.Len(t, rows, 35)
	return rows
}

func liveRow(t *testing.T, holdTime float64) []float64 {
	t.Helper()
	row, err := FeatureExtractor{}.Extract(Metrics{MetricHoldTime: {holdTime}})
	require.NoError(t, err)
	return row
}

func TestProfileModel_TightClusterScenario(t *testing.T) {
	m := NewProfileModel(OneClassSVMConfig{Nu: 0.1})
	require.NoError(t, m.Fit(holdTimeRows(t)))

	assert.Greater(t, m.MaxDistance(), 0.0)
	assert.Equal(t, len(MetricNames), m.Dim())

	near, err := m.Score(liveRow(t, 0.16))
	require.NoError(t, err)
	assert.True(t, near.Inlier, "decision %f", near.Decision)
	assert.Greater(t, near.DistanceScore, 0.8)

	far, err := m.Score(liveRow(t, 5.0))
	require.NoError(t, err)
	assert.False(t, far.Inlier)
	assert.Less(t, far.DistanceScore, 0.1)
	assert.Greater(t, far.Distance, near.Distance)
}

func TestProfileModel_ScoreBeforeFit(t *testing.T) {
	_, err := NewProfileModel(OneClassSVMConfig{}).Score(make([]float64, 8))
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestProfileModel_DimensionMismatch(t *testing.T) {
	m := NewProfileModel(OneClassSVMConfig{})
	require.NoError(t, m.Fit(holdTimeRows(t)))

	_, err := m.Score([]float64{0.1, 0.2})
	var dimErr *DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 8, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Got)
}

func TestProfileModel_SnapshotRoundTrip(t *testing.T) {
	rows := holdTimeRows(t)
	m := NewProfileModel(OneClassSVMConfig{})
	require.NoError(t, m.Fit(rows))

	data, err := m.Snapshot().Marshal()
	require.NoError(t, err)
	snap, err := UnmarshalSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, 35, snap.SampleCount)
	assert.Equal(t, 8, snap.FeatureDim)

	restored, err := RestoreProfileModel(snap)
	require.NoError(t, err)
	assert.Equal(t, rows, restored.TrainingRows())
	assert.InDelta(t, m.MaxDistance(), restored.MaxDistance(), 1e-12)

	for _, v := range []float64{0.12, 0.16, 0.3, 5.0} {
		want, err := m.Score(liveRow(t, v))
		require.NoError(t, err)
		got, err := restored.Score(liveRow(t, v))
		require.NoError(t, err)
		assert.Equal(t, want.Inlier, got.Inlier, "hold_time %f", v)
		assert.InDelta(t, want.Decision, got.Decision, 1e-9)
		assert.InDelta(t, want.DistanceScore, got.DistanceScore, 1e-9)
	}
}

func TestRestoreProfileModel_Rejects(t *testing.T) {
	m := NewProfileModel(OneClassSVMConfig{})
	require.NoError(t, m.Fit(holdTimeRows(t)))

	wrongAlgo := m.Snapshot()
	wrongAlgo.Algorithm = "random_forest"
	_, err := RestoreProfileModel(wrongAlgo)
	assert.Error(t, err)

	badCentroid := m.Snapshot()
	badCentroid.Centroid = []float64{1}
	_, err = RestoreProfileModel(badCentroid)
	var dimErr *DimensionMismatchError
	assert.ErrorAs(t, err, &dimErr)

	_, err = UnmarshalSnapshot([]byte("{not json"))
	assert.Error(t, err)
}

func TestProfileModel_IdenticalRows(t *testing.T) {
	rows := make([][]float64, 30)
	for i := range rows {
		rows[i] = liveRow(t, 0.15)
	}
	m := NewProfileModel(OneClassSVMConfig{})
	require.NoError(t, m.Fit(rows))

	v, err := m.Score(liveRow(t, 0.15))
	require.NoError(t, err)
	assert.True(t, v.Inlier)
	assert.Equal(t, 1.0, v.DistanceScore)

	v, err = m.Score(liveRow(t, 0.4))
	require.NoError(t, err)
	assert.False(t, v.Inlier)
	assert.Zero(t, v.DistanceScore)
}
