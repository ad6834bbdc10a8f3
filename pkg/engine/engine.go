// Package engine is the behavioral trust engine facade consumed by the HTTP
// layer: sample intake, prediction, IP trust, fusion and scheduled training.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"behavtrust/pkg/biometrics"
	"behavtrust/pkg/fusion"
	"behavtrust/pkg/iptrust"
	"behavtrust/pkg/metrics"
	"behavtrust/pkg/ml"
	"behavtrust/pkg/structlog"
)

// LoginRecorder persists a successful login. A failure makes the
// authentication result a hard error.
type LoginRecorder interface {
	RecordSuccessfulLogin(ctx context.Context, owner, ip string, at time.Time) error
}

// Deps wires the engine.
type Deps struct {
	Samples   biometrics.SampleStore
	Predictor *biometrics.Predictor
	Tracker   *iptrust.Tracker
	Scheduler *biometrics.Scheduler
	Logins    LoginRecorder
	Policy    fusion.Policy
	Log       *structlog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Engine struct {
	samples   biometrics.SampleStore
	predictor *biometrics.Predictor
	tracker   *iptrust.Tracker
	scheduler *biometrics.Scheduler
	logins    LoginRecorder
	policy    fusion.Policy
	log       *structlog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(d Deps) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Engine{
		samples:   d.Samples,
		predictor: d.Predictor,
		tracker:   d.Tracker,
		scheduler: d.Scheduler,
		logins:    d.Logins,
		policy:    d.Policy,
		log:       d.Log.WithComponent("engine"),
		metrics:   d.Metrics,
		now:       d.Now,
	}
}

// StoreResult reports whether a sample was persisted.
type StoreResult struct {
	Stored bool `json:"stored"`
}

// StoreSample persists metrics for later training. A sample with every
// sequence empty is not stored. Non-finite values are rejected with
// *ml.InvalidMetricError.
func (e *Engine) StoreSample(ctx context.Context, owner string, m ml.Metrics) (StoreResult, error) {
	if m.Empty() {
		return StoreResult{Stored: false}, nil
	}
	if _, err := (ml.FeatureExtractor{}).Extract(m); err != nil {
		return StoreResult{}, err
	}
	s := biometrics.Sample{ID: uuid.NewString(), Owner: owner, Metrics: m, CreatedAt: e.now()}
	if err := e.samples.CreateSample(ctx, s); err != nil {
		return StoreResult{}, fmt.Errorf("store sample for %s: %w", owner, err)
	}
	e.metrics.SampleStored()
	return StoreResult{Stored: true}, nil
}

// Predict scores live metrics. Any failure degrades to an Unknown
// prediction; it is logged, never returned.
func (e *Engine) Predict(ctx context.Context, owner string, m ml.Metrics) biometrics.Prediction {
	pred, err := e.predictor.Score(ctx, owner, m)
	if err == nil {
		return pred
	}
	var (
		mismatch    *biometrics.ModelMismatchError
		unavailable *biometrics.ModelUnavailableError
		invalid     *ml.InvalidMetricError
	)
	reason := "prediction failed"
	switch {
	case errors.As(err, &mismatch):
		reason = "model mismatch"
	case errors.As(err, &unavailable):
		reason = "model unavailable"
	case errors.As(err, &invalid):
		reason = "invalid metrics"
	}
	e.log.WithContext(ctx).Warn("prediction degraded to unknown", structlog.Fields{"owner": owner, "reason": reason, "error": err})
	e.metrics.Prediction(string(biometrics.StatusUnknown), false, 0)
	return biometrics.Unknown(reason)
}

func (e *Engine) RegisterIPSuccess(ctx context.Context, owner, ip string) error {
	_, err := e.tracker.RegisterSuccess(ctx, owner, ip)
	return err
}

func (e *Engine) EvaluateIPTrust(ctx context.Context, owner, ip string) (float64, error) {
	return e.tracker.Evaluate(ctx, owner, ip)
}

// ConfirmKind classifies the outcome of a token confirmation.
type ConfirmKind string

const (
	ConfirmKindConfirmed      ConfirmKind = "confirmed"
	ConfirmKindAlreadyTrusted ConfirmKind = "already_trusted"
	ConfirmKindNotFound       ConfirmKind = "not_found"
	ConfirmKindExpired        ConfirmKind = "expired"
	ConfirmKindInternal       ConfirmKind = "internal"
)

// ConfirmOutcome carries either a message or an error text, plus its kind.
type ConfirmOutcome struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    ConfirmKind `json:"-"`
}

func (e *Engine) ConfirmIPToken(ctx context.Context, token string) ConfirmOutcome {
	res, err := e.tracker.Confirm(ctx, token)
	switch {
	case errors.Is(err, iptrust.ErrTokenNotFound):
		return ConfirmOutcome{Error: "Invalid token", Kind: ConfirmKindNotFound}
	case errors.Is(err, iptrust.ErrTokenExpired):
		return ConfirmOutcome{Error: "Token expired", Kind: ConfirmKindExpired}
	case err != nil:
		e.log.WithContext(ctx).Error("confirm ip token", structlog.Fields{"error": err})
		return ConfirmOutcome{Error: "Internal server error", Kind: ConfirmKindInternal}
	case res == iptrust.ConfirmAlreadyTrusted:
		return ConfirmOutcome{Message: "IP already trusted", Kind: ConfirmKindAlreadyTrusted}
	default:
		return ConfirmOutcome{Message: "IP successfully trusted", Kind: ConfirmKindConfirmed}
	}
}

func (e *Engine) Fuse(confidence, ipScore float64) fusion.Decision {
	return e.policy.Decide(confidence, ipScore)
}

// TrainAllUsers runs one scheduled training pass.
func (e *Engine) TrainAllUsers(ctx context.Context) biometrics.Summary {
	return e.scheduler.TrainAllUsers(ctx)
}

// AuthOutcome is the result of a full behavioral authentication.
type AuthOutcome struct {
	Authenticated bool                  `json:"authenticated"`
	Confidence    float64               `json:"confidence"`
	Mode          biometrics.Mode       `json:"mode"`
	Prediction    biometrics.Prediction `json:"prediction"`
	IPScore       float64               `json:"ip_score"`
}

// Authenticate stores the sample, then in train mode admits outright;
// otherwise it fuses the biometric confidence with IP trust. A successful
// admission that cannot be recorded is returned as an error.
func (e *Engine) Authenticate(ctx context.Context, owner, ip string, m ml.Metrics) (AuthOutcome, error) {
	log := e.log.WithContext(ctx).WithFields(structlog.Fields{"owner": owner, "ip": ip})

	if _, err := e.StoreSample(ctx, owner, m); err != nil {
		var invalid *ml.InvalidMetricError
		if errors.As(err, &invalid) {
			return AuthOutcome{}, err
		}
		log.Error("store sample", structlog.Fields{"error": err})
	}

	mode, err := e.samples.Mode(ctx, owner)
	if err != nil {
		return AuthOutcome{}, fmt.Errorf("load mode for %s: %w", owner, err)
	}

	if mode == biometrics.ModeTrain {
		if err := e.logins.RecordSuccessfulLogin(ctx, owner, ip, e.now()); err != nil {
			return AuthOutcome{}, fmt.Errorf("record login for %s: %w", owner, err)
		}
		log.Info("train mode, sample collected", nil)
		return AuthOutcome{Authenticated: true, Confidence: 1.0, Mode: mode}, nil
	}

	pred := e.Predict(ctx, owner, m)
	ipScore, err := e.EvaluateIPTrust(ctx, owner, ip)
	if err != nil {
		log.Warn("ip trust unavailable, scoring as unseen", structlog.Fields{"error": err})
		ipScore = iptrust.ScoreUnseen
	}
	d := e.Fuse(pred.Confidence, ipScore)
	e.metrics.Decision(d.Authenticated, d.Fused)

	log.Info("fitness computed", structlog.Fields{
		"confidence": pred.Confidence, "prediction": string(pred.Status),
		"ip_score": ipScore, "fitness": d.Fused, "authenticated": d.Authenticated,
	})

	if d.Authenticated {
		if err := e.logins.RecordSuccessfulLogin(ctx, owner, ip, e.now()); err != nil {
			return AuthOutcome{}, fmt.Errorf("record login for %s: %w", owner, err)
		}
	} else {
		log.SecurityEvent("behavioral_auth_denied", structlog.Fields{"fitness": d.Fused})
	}
	return AuthOutcome{
		Authenticated: d.Authenticated,
		Confidence:    d.Fused,
		Mode:          mode,
		Prediction:    pred,
		IPScore:       ipScore,
	}, nil
}
