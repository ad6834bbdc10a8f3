package ml

import (
	"encoding/json"
	"fmt"
	"math"
)

// AnomalyModel is the capability every per-user behavioral model offers.
// Callers only depend on this interface so the strategy can be swapped
// without touching the trainer or the predictor.
type AnomalyModel interface {
	Fit(rows [][]float64) error
	Score(features []float64) (Verdict, error)
	Snapshot() ModelSnapshot
}

// Verdict is the outcome of scoring one feature vector.
type Verdict struct {
	Inlier        bool    `json:"inlier"`
	Decision      float64 `json:"decision"`
	Distance      float64 `json:"distance"`
	DistanceScore float64 `json:"distance_score"`
}

// ModelSnapshot is the explicit, library-independent persisted form of a
// fitted ProfileModel.
type ModelSnapshot struct {
	Algorithm    string       `json:"algorithm"`
	FeatureDim   int          `json:"feature_dim"`
	SampleCount  int          `json:"sample_count"`
	Classifier   SVMParams    `json:"classifier"`
	Scaler       ScalerParams `json:"scaler"`
	Centroid     []float64    `json:"centroid"`
	MaxDistance  float64      `json:"max_distance"`
	TrainingRows [][]float64  `json:"training_rows"`
}

// Marshal encodes the snapshot as JSON.
func (s ModelSnapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot decodes a snapshot produced by Marshal.
func UnmarshalSnapshot(data []byte) (ModelSnapshot, error) {
	var s ModelSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return ModelSnapshot{}, fmt.Errorf("decode model snapshot: %w", err)
	}
	return s, nil
}

const profileAlgorithm = "centroid+one_class_svm"

// ProfileModel scales features, summarises the user's normal behaviour as a
// single centroid with a derived radius, and fits a one-class SVM boundary
// on the same scaled space.
type ProfileModel struct {
	svmConfig OneClassSVMConfig

	scaler      *StandardScaler
	svm         *OneClassSVM
	centroid    []float64
	maxDistance float64
	rows        [][]float64
}

// NewProfileModel returns an unfitted model.
func NewProfileModel(cfg OneClassSVMConfig) *ProfileModel {
	return &ProfileModel{svmConfig: cfg}
}

// Fit trains on raw (unscaled) feature rows. The rows are retained so a
// later incremental fit can fold them back in.
func (m *ProfileModel) Fit(rows [][]float64) error {
	if len(rows) == 0 {
		return fmt.Errorf("no training rows")
	}

	scaler := NewStandardScaler()
	if err := scaler.Fit(rows); err != nil {
		return fmt.Errorf("fit scaler: %w", err)
	}
	scaled, err := scaler.Transform(rows)
	if err != nil {
		return fmt.Errorf("scale rows: %w", err)
	}

	centroid := fitCentroid(scaled)

	distances := make([]float64, len(scaled))
	for i, row := range scaled {
		distances[i] = euclidean(row, centroid)
	}
	mean, std := meanStd(distances)
	maxDistance := mean + 2*std

	svm := NewOneClassSVM(m.svmConfig)
	if err := svm.Train(scaled); err != nil {
		return fmt.Errorf("fit boundary: %w", err)
	}

	m.scaler = scaler
	m.svm = svm
	m.centroid = centroid
	m.maxDistance = maxDistance
	m.rows = cloneMatrix(rows)
	return nil
}

// fitCentroid is single-cluster k-means, which converges to the mean in one step.
func fitCentroid(rows [][]float64) []float64 {
	c := make([]float64, len(rows[0]))
	for _, row := range rows {
		for j, v := range row {
			c[j] += v
		}
	}
	for j := range c {
		c[j] /= float64(len(rows))
	}
	return c
}

// Score evaluates a raw feature vector.
func (m *ProfileModel) Score(features []float64) (Verdict, error) {
	if m.scaler == nil || m.svm == nil {
		return Verdict{}, ErrNotFitted
	}
	x, err := m.scaler.TransformRow(features)
	if err != nil {
		return Verdict{}, err
	}
	decision, err := m.svm.Decision(x)
	if err != nil {
		return Verdict{}, err
	}
	distance := euclidean(x, m.centroid)
	return Verdict{
		Inlier:        m.svm.IsInlier(decision),
		Decision:      decision,
		Distance:      distance,
		DistanceScore: distanceScore(distance, m.maxDistance),
	}, nil
}

func distanceScore(distance, maxDistance float64) float64 {
	if maxDistance <= 0 {
		if distance <= 1e-12 {
			return 1
		}
		return 0
	}
	return math.Max(0, 1-distance/maxDistance)
}

// Dim returns the feature dimensionality the model was fitted with.
func (m *ProfileModel) Dim() int {
	if m.scaler == nil {
		return 0
	}
	return m.scaler.Dim()
}

// MaxDistance is the radius beyond which points are considered anomalous.
func (m *ProfileModel) MaxDistance() float64 { return m.maxDistance }

// TrainingRows returns a copy of the raw rows used by the last fit.
func (m *ProfileModel) TrainingRows() [][]float64 { return cloneMatrix(m.rows) }

// Snapshot exports the model for persistence.
func (m *ProfileModel) Snapshot() ModelSnapshot {
	s := ModelSnapshot{
		Algorithm:    profileAlgorithm,
		FeatureDim:   m.Dim(),
		SampleCount:  len(m.rows),
		Centroid:     cloneVec(m.centroid),
		MaxDistance:  m.maxDistance,
		TrainingRows: cloneMatrix(m.rows),
	}
	if m.scaler != nil {
		s.Scaler = m.scaler.Params()
	}
	if m.svm != nil {
		s.Classifier = m.svm.Params()
	}
	return s
}

// RestoreProfileModel rebuilds a fitted model from a snapshot.
func RestoreProfileModel(s ModelSnapshot) (*ProfileModel, error) {
	if s.Algorithm != "" && s.Algorithm != profileAlgorithm {
		return nil, fmt.Errorf("unsupported model algorithm %q", s.Algorithm)
	}
	scaler, err := ScalerFromParams(s.Scaler)
	if err != nil {
		return nil, err
	}
	svm, err := OneClassSVMFromParams(s.Classifier)
	if err != nil {
		return nil, err
	}
	if len(s.Centroid) != scaler.Dim() {
		return nil, fmt.Errorf("centroid: %w", &DimensionMismatchError{Expected: scaler.Dim(), Got: len(s.Centroid)})
	}
	if s.FeatureDim != 0 && s.FeatureDim != scaler.Dim() {
		return nil, fmt.Errorf("feature_dim: %w", &DimensionMismatchError{Expected: s.FeatureDim, Got: scaler.Dim()})
	}
	return &ProfileModel{
		svmConfig:   svm.GetConfig(),
		scaler:      scaler,
		svm:         svm,
		centroid:    cloneVec(s.Centroid),
		maxDistance: s.MaxDistance,
		rows:        cloneMatrix(s.TrainingRows),
	}, nil
}

var _ AnomalyModel = (*ProfileModel)(nil)
