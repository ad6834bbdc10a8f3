package ml

import (
	"fmt"
	"math"
)

// Behavioral metric names, in the order they appear in a feature vector.
const (
	MetricHoldTime        = "hold_time"
	MetricFlightTime      = "flight_time"
	MetricMouseVelocity   = "mouse_velocity"
	MetricClickFrequency  = "click_frequency"
	MetricDwellTime       = "dwell_time"
	MetricScrollDistance  = "scroll_distance"
	MetricKeypressRate    = "keypress_rate"
	MetricCursorVariation = "cursor_variation"
)

// MetricNames is the canonical feature order. Training and inference must
// both go through FeatureExtractor so the order never diverges.
var MetricNames = []string{
	MetricHoldTime,
	MetricFlightTime,
	MetricMouseVelocity,
	MetricClickFrequency,
	MetricDwellTime,
	MetricScrollDistance,
	MetricKeypressRate,
	MetricCursorVariation,
}

// Metrics is one raw behavioral sample: metric name -> observed values.
type Metrics map[string][]float64

// Empty reports whether every known metric sequence is missing or empty.
func (m Metrics) Empty() bool {
	for _, name := range MetricNames {
		if len(m[name]) > 0 {
			return false
		}
	}
	return true
}

// InvalidMetricError is returned when a metric is not a list of finite numbers.
type InvalidMetricError struct {
	Metric string
	Reason string
}

func (e *InvalidMetricError) Error() string {
	return fmt.Sprintf("invalid metric %q: %s", e.Metric, e.Reason)
}

// ParseMetrics converts a decoded JSON object into Metrics. Unknown keys are
// ignored; a known key must hold a list of numbers (or null).
func ParseMetrics(raw map[string]any) (Metrics, error) {
	out := make(Metrics, len(MetricNames))
	for _, name := range MetricNames {
		v, ok := raw[name]
		if !ok || v == nil {
			continue
		}
		list, ok := v.([]any)
		if !ok {
			return nil, &InvalidMetricError{Metric: name, Reason: "must be a list"}
		}
		values := make([]float64, 0, len(list))
		for i, item := range list {
			f, ok := toFloat(item)
			if !ok {
				return nil, &InvalidMetricError{Metric: name, Reason: fmt.Sprintf("element %d is not numeric", i)}
			}
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, &InvalidMetricError{Metric: name, Reason: fmt.Sprintf("element %d is not finite", i)}
			}
			values = append(values, f)
		}
		out[name] = values
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case interface{ Float64() (float64, error) }: // json.Number
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// FeatureExtractor turns Metrics into a fixed-length vector: the mean of
// every metric and, with IncludeSpread, its population standard deviation.
type FeatureExtractor struct {
	IncludeSpread bool
}

// Dim returns the length of vectors produced by Extract.
func (fe FeatureExtractor) Dim() int {
	if fe.IncludeSpread {
		return 2 * len(MetricNames)
	}
	return len(MetricNames)
}

// Extract computes the feature vector. Missing or empty sequences count as [0].
func (fe FeatureExtractor) Extract(m Metrics) ([]float64, error) {
	features := make([]float64, 0, fe.Dim())
	for _, name := range MetricNames {
		values := m[name]
		if len(values) == 0 {
			values = []float64{0}
		}
		for i, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &InvalidMetricError{Metric: name, Reason: fmt.Sprintf("element %d is not finite", i)}
			}
		}
		mean, std := meanStd(values)
		features = append(features, mean)
		if fe.IncludeSpread {
			features = append(features, std)
		}
	}
	return features, nil
}

// ExtractAll extracts every sample, failing on the first invalid one.
func (fe FeatureExtractor) ExtractAll(samples []Metrics) ([][]float64, error) {
	rows := make([][]float64, 0, len(samples))
	for i, s := range samples {
		row, err := fe.Extract(s)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	sq := 0.0
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
