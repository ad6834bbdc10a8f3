package ml

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureExtractor_MeansInCanonicalOrder(t *testing.T) {
	fe := FeatureExtractor{}
	m := Metrics{
		MetricCursorVariation: {4, 6},
		MetricHoldTime:        {0.1, 0.2, 0.3},
		MetricFlightTime:      {1},
	}

	got, err := fe.Extract(m)
	require.NoError(t, err)
	require.Len(t, got, len(MetricNames))
	assert.InDelta(t, 0.2, got[0], 1e-12)
	assert.InDelta(t, 1.0, got[1], 1e-12)
	assert.InDelta(t, 5.0, got[7], 1e-12)
	for _, v := range got[2:7] {
		assert.Zero(t, v)
	}
}

func TestFeatureExtractor_Spread(t *testing.T) {
	fe := FeatureExtractor{IncludeSpread: true}
	assert.Equal(t, 16, fe.Dim())

	got, err := fe.Extract(Metrics{MetricHoldTime: {2, 4}})
	require.NoError(t, err)
	require.Len(t, got, 16)
	assert.InDelta(t, 3.0, got[0], 1e-12)
	assert.InDelta(t, 1.0, got[1], 1e-12)
	// Missing metrics summarise [0]: mean 0, spread 0.
	assert.Zero(t, got[2])
	assert.Zero(t, got[3])
}

func TestFeatureExtractor_EmptySampleIsAllZero(t *testing.T) {
	got, err := FeatureExtractor{}.Extract(Metrics{})
	require.NoError(t, err)
	assert.Equal(t, make([]float64, len(MetricNames)), got)
	assert.True(t, Metrics{MetricHoldTime: {}}.Empty())
	assert.False(t, Metrics{MetricDwellTime: {1}}.Empty())
}

func TestFeatureExtractor_RejectsNonFinite(t *testing.T) {
	_, err := FeatureExtractor{}.Extract(Metrics{MetricMouseVelocity: {1, math.NaN()}})
	var metricErr *InvalidMetricError
	require.ErrorAs(t, err, &metricErr)
	assert.Equal(t, MetricMouseVelocity, metricErr.Metric)

	_, err = FeatureExtractor{}.ExtractAll([]Metrics{{}, {MetricHoldTime: {math.Inf(1)}}})
	require.ErrorAs(t, err, &metricErr)
	assert.Contains(t, err.Error(), "sample 1")
}

func TestParseMetrics(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`{
		"hold_time": [0.1, 0.2],
		"flight_time": [],
		"scroll_distance": null,
		"unknown_metric": "ignored"
	}`))
	dec.UseNumber()
	var raw map[string]any
	require.NoError(t, dec.Decode(&raw))

	m, err := ParseMetrics(raw)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, m[MetricHoldTime])
	assert.Empty(t, m[MetricFlightTime])
	assert.NotContains(t, m, MetricScrollDistance)
	assert.NotContains(t, m, "unknown_metric")
}

func TestParseMetrics_Malformed(t *testing.T) {
	cases := map[string]map[string]any{
		"not a list":   {MetricHoldTime: "fast"},
		"not numeric":  {MetricHoldTime: []any{0.1, "x"}},
		"not finite":   {MetricKeypressRate: []any{math.Inf(-1)}},
		"nested lists": {MetricDwellTime: []any{[]any{1.0}}},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMetrics(raw)
			var metricErr *InvalidMetricError
			assert.ErrorAs(t, err, &metricErr)
		})
	}
}
