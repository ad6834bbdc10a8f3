package ml

import (
	"errors"
	"fmt"
	"math"
)

// ErrNotFitted is returned when a transform is attempted before Fit.
var ErrNotFitted = errors.New("model not fitted")

// DimensionMismatchError reports a feature vector whose length differs from
// the one the model was fitted with.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("sample dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// StandardScaler standardises every dimension to zero mean and unit variance.
// Dimensions with zero variance are only centred.
type StandardScaler struct {
	mean  []float64
	scale []float64
}

// ScalerParams is the serialisable form of a fitted StandardScaler.
type ScalerParams struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func NewStandardScaler() *StandardScaler {
	return &StandardScaler{}
}

// Fit computes per-dimension mean and population standard deviation.
func (s *StandardScaler) Fit(data [][]float64) error {
	if len(data) == 0 {
		return fmt.Errorf("no data provided")
	}
	dim := len(data[0])
	mean := make([]float64, dim)
	scale := make([]float64, dim)

	for i, row := range data {
		if len(row) != dim {
			return fmt.Errorf("row %d: %w", i, &DimensionMismatchError{Expected: dim, Got: len(row)})
		}
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(data))
	for j := range mean {
		mean[j] /= n
	}
	for _, row := range data {
		for j, v := range row {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] < 1e-12 {
			scale[j] = 1
		}
	}
	s.mean, s.scale = mean, scale
	return nil
}

// Dim returns the fitted dimensionality (0 when not fitted).
func (s *StandardScaler) Dim() int { return len(s.mean) }

// TransformRow scales a single vector.
func (s *StandardScaler) TransformRow(row []float64) ([]float64, error) {
	if len(s.mean) == 0 {
		return nil, ErrNotFitted
	}
	if len(row) != len(s.mean) {
		return nil, &DimensionMismatchError{Expected: len(s.mean), Got: len(row)}
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.mean[j]) / s.scale[j]
	}
	return out, nil
}

// Transform scales every row.
func (s *StandardScaler) Transform(data [][]float64) ([][]float64, error) {
	out := make([][]float64, len(data))
	for i, row := range data {
		scaled, err := s.TransformRow(row)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}

// Params exports the fitted parameters.
func (s *StandardScaler) Params() ScalerParams {
	return ScalerParams{Mean: cloneVec(s.mean), Scale: cloneVec(s.scale)}
}

// ScalerFromParams restores a fitted scaler.
func ScalerFromParams(p ScalerParams) (*StandardScaler, error) {
	if len(p.Mean) == 0 || len(p.Mean) != len(p.Scale) {
		return nil, fmt.Errorf("invalid scaler parameters: mean=%d scale=%d", len(p.Mean), len(p.Scale))
	}
	for j, sc := range p.Scale {
		if sc == 0 || math.IsNaN(sc) {
			return nil, fmt.Errorf("invalid scaler parameters: scale[%d]=%v", j, sc)
		}
	}
	return &StandardScaler{mean: cloneVec(p.Mean), scale: cloneVec(p.Scale)}, nil
}

func cloneVec(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

func cloneMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = cloneVec(row)
	}
	return out
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
