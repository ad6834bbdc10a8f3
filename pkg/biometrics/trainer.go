package biometrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"behavtrust/pkg/metrics"
	"behavtrust/pkg/ml"
	"behavtrust/pkg/structlog"
)

// TrainStatus is the outcome of a training pass that did not fail.
type TrainStatus string

const (
	StatusTrained          TrainStatus = "trained"
	StatusInsufficientData TrainStatus = "insufficient_data"
)

// TrainResult summarises one user's pass.
type TrainResult struct {
	Owner       string      `json:"owner"`
	Status      TrainStatus `json:"status"`
	NewSamples  int         `json:"new_samples"`
	TotalRows   int         `json:"total_rows"`
	MaxDistance float64     `json:"max_distance,omitempty"`
}

// TrainerConfig tunes training.
type TrainerConfig struct {
	MinSamples  int
	Incremental bool
	// MaxTrainingRows keeps only the newest rows once history grows past it;
	// the kernel matrix is quadratic in the row count. Zero means no cap.
	MaxTrainingRows int
	Extractor       ml.FeatureExtractor
	SVM             ml.OneClassSVMConfig
	Now             func() time.Time
	// NewModel builds an unfitted model; defaults to ml.NewProfileModel.
	NewModel func() ml.AnomalyModel
}

// Trainer fits and persists per-user models.
type Trainer struct {
	samples SampleStore
	models  ModelStore
	cfg     TrainerConfig
	log     *structlog.Logger
	metrics *metrics.Metrics
}

func NewTrainer(samples SampleStore, models ModelStore, cfg TrainerConfig, log *structlog.Logger, m *metrics.Metrics) *Trainer {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 30
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewModel == nil {
		svm := cfg.SVM
		cfg.NewModel = func() ml.AnomalyModel { return ml.NewProfileModel(svm) }
	}
	return &Trainer{samples: samples, models: models, cfg: cfg, log: log.WithComponent("trainer"), metrics: m}
}

// TrainUser consumes the owner's untrained samples. Too few samples is
// reported as StatusInsufficientData with a nil error and touches nothing.
func (t *Trainer) TrainUser(ctx context.Context, owner string) (TrainResult, error) {
	start := time.Now()
	res, err := t.trainUser(ctx, owner)
	switch {
	case err != nil:
		t.metrics.TrainingRun("failed", 0)
	default:
		t.metrics.TrainingRun(string(res.Status), time.Since(start))
	}
	return res, err
}

func (t *Trainer) trainUser(ctx context.Context, owner string) (TrainResult, error) {
	res := TrainResult{Owner: owner}
	log := t.log.WithContext(ctx).WithFields(structlog.Fields{"owner": owner})

	samples, err := t.samples.UntrainedSamples(ctx, owner)
	if err != nil {
		return res, fmt.Errorf("load untrained samples: %w", err)
	}
	res.NewSamples = len(samples)
	if len(samples) < t.cfg.MinSamples {
		res.Status = StatusInsufficientData
		log.Info("not enough samples to train", structlog.Fields{"samples": len(samples), "required": t.cfg.MinSamples})
		return res, nil
	}

	metricsList := make([]ml.Metrics, len(samples))
	ids := make([]string, len(samples))
	for i, s := range samples {
		metricsList[i] = s.Metrics
		ids[i] = s.ID
	}
	rows, err := t.cfg.Extractor.ExtractAll(metricsList)
	if err != nil {
		return res, fmt.Errorf("extract features: %w", err)
	}

	if t.cfg.Incremental {
		prev, err := t.models.LoadModel(ctx, owner)
		switch {
		case errors.Is(err, ErrModelNotFound):
		case err != nil:
			return res, fmt.Errorf("load previous model: %w", err)
		case prev.Snapshot.FeatureDim != t.cfg.Extractor.Dim():
			log.Warn("previous model has a different feature layout, retraining from scratch", structlog.Fields{
				"previous_dim": prev.Snapshot.FeatureDim, "dim": t.cfg.Extractor.Dim(),
			})
		default:
			rows = append(prev.Snapshot.TrainingRows, rows...)
		}
	}
	if limit := t.cfg.MaxTrainingRows; limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}

	model := t.cfg.NewModel()
	if err := model.Fit(rows); err != nil {
		return res, fmt.Errorf("fit model: %w", err)
	}
	snap := model.Snapshot()

	um := UserModel{Owner: owner, Snapshot: snap, SampleCount: len(rows), TrainedAt: t.cfg.Now()}
	if err := t.models.CommitTraining(ctx, um, ids); err != nil {
		return res, fmt.Errorf("commit training: %w", err)
	}

	res.Status = StatusTrained
	res.TotalRows = len(rows)
	res.MaxDistance = snap.MaxDistance
	log.AuditLog("model_trained", structlog.Fields{
		"new_samples": len(samples), "total_rows": len(rows),
		"max_distance": snap.MaxDistance, "support_vectors": len(snap.Classifier.Alphas),
	})
	return res, nil
}
