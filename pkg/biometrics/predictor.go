package biometrics

import (
	"context"
	"errors"
	"fmt"
	"math"

	"behavtrust/pkg/metrics"
	"behavtrust/pkg/ml"
	"behavtrust/pkg/structlog"
)

// PredictionStatus tells whether a model was available.
type PredictionStatus string

const (
	StatusKnown   PredictionStatus = "known"
	StatusUnknown PredictionStatus = "unknown"
)

// ReasonNoModel is the Unknown reason for users that have not been trained yet.
const ReasonNoModel = "new user, more training data needed"

// Prediction is the predictor's answer for one live sample.
type Prediction struct {
	Status        PredictionStatus `json:"status"`
	Confidence    float64          `json:"confidence"`
	Inlier        bool             `json:"inlier"`
	DistanceScore float64          `json:"distance_score"`
	Decision      float64          `json:"decision"`
	Reason        string           `json:"reason,omitempty"`
}

// Unknown builds an Unknown prediction.
func Unknown(reason string) Prediction {
	return Prediction{Status: StatusUnknown, Reason: reason}
}

// ModelUnavailableError wraps a failure to load or decode a stored model.
type ModelUnavailableError struct {
	Owner string
	Err   error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model unavailable for %s: %v", e.Owner, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// ModelMismatchError means live features do not fit the stored model.
type ModelMismatchError struct {
	Owner    string
	Expected int
	Got      int
}

func (e *ModelMismatchError) Error() string {
	return fmt.Sprintf("model for %s expects %d features, got %d", e.Owner, e.Expected, e.Got)
}

// PredictorConfig holds the confidence weights. They need not sum to 1.
type PredictorConfig struct {
	SVMWeight     float64
	ClusterWeight float64
	Extractor     ml.FeatureExtractor
	// Restore rebuilds a model from its snapshot; defaults to ml.RestoreProfileModel.
	Restore func(ml.ModelSnapshot) (ml.AnomalyModel, error)
}

// Predictor scores live samples against the latest persisted model. It
// never trains and never writes.
type Predictor struct {
	models  ModelStore
	cfg     PredictorConfig
	log     *structlog.Logger
	metrics *metrics.Metrics
}

func NewPredictor(models ModelStore, cfg PredictorConfig, log *structlog.Logger, m *metrics.Metrics) *Predictor {
	if cfg.Restore == nil {
		cfg.Restore = func(s ml.ModelSnapshot) (ml.AnomalyModel, error) { return ml.RestoreProfileModel(s) }
	}
	return &Predictor{models: models, cfg: cfg, log: log.WithComponent("predictor"), metrics: m}
}

// Score returns Unknown with a nil error when the owner has no model.
// Store failures yield *ModelUnavailableError, dimensionality problems
// *ModelMismatchError and malformed metrics *ml.InvalidMetricError.
func (p *Predictor) Score(ctx context.Context, owner string, live ml.Metrics) (Prediction, error) {
	pred, err := p.score(ctx, owner, live)
	if err == nil {
		p.metrics.Prediction(string(pred.Status), pred.Inlier, pred.Confidence)
	}
	return pred, err
}

func (p *Predictor) score(ctx context.Context, owner string, live ml.Metrics) (Prediction, error) {
	um, err := p.models.LoadModel(ctx, owner)
	if errors.Is(err, ErrModelNotFound) {
		return Unknown(ReasonNoModel), nil
	}
	if err != nil {
		return Prediction{}, &ModelUnavailableError{Owner: owner, Err: err}
	}
	model, err := p.cfg.Restore(um.Snapshot)
	if err != nil {
		return Prediction{}, &ModelUnavailableError{Owner: owner, Err: err}
	}

	features, err := p.cfg.Extractor.Extract(live)
	if err != nil {
		return Prediction{}, err
	}
	v, err := model.Score(features)
	if err != nil {
		var dimErr *ml.DimensionMismatchError
		if errors.As(err, &dimErr) {
			return Prediction{}, &ModelMismatchError{Owner: owner, Expected: dimErr.Expected, Got: dimErr.Got}
		}
		return Prediction{}, &ModelUnavailableError{Owner: owner, Err: err}
	}

	svm := 0.0
	if v.Inlier {
		svm = 1
	}
	confidence := clamp01(p.cfg.SVMWeight*svm + p.cfg.ClusterWeight*v.DistanceScore)

	p.log.WithContext(ctx).Debug("scored live sample", structlog.Fields{
		"owner": owner, "inlier": v.Inlier, "decision": v.Decision,
		"distance": v.Distance, "distance_score": v.DistanceScore, "confidence": confidence,
	})
	return Prediction{
		Status:        StatusKnown,
		Confidence:    confidence,
		Inlier:        v.Inlier,
		DistanceScore: v.DistanceScore,
		Decision:      v.Decision,
	}, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
