// Package biometrics owns the per-user behavioral model lifecycle: sample
// storage contracts, training, scheduled retraining and prediction.
package biometrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"behavtrust/pkg/ml"
)

// ErrModelNotFound is returned by ModelStore.LoadModel for users without a model.
var ErrModelNotFound = errors.New("model not found")

// Mode selects how an authentication attempt is treated for a user.
type Mode string

const (
	// ModeAuth scores attempts against the model.
	ModeAuth Mode = "auth"
	// ModeTrain admits attempts and only collects samples.
	ModeTrain Mode = "train"
)

// ParseMode validates a textual mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuth, ModeTrain:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be %q or %q", s, ModeAuth, ModeTrain)
	}
}

// Sample is one stored behavioral sample. Only Trained ever changes.
type Sample struct {
	ID        string     `json:"id"`
	Owner     string     `json:"owner"`
	Metrics   ml.Metrics `json:"metrics"`
	Trained   bool       `json:"trained"`
	CreatedAt time.Time  `json:"created_at"`
}

// UserModel is the persisted per-user model.
type UserModel struct {
	Owner       string           `json:"owner"`
	Snapshot    ml.ModelSnapshot `json:"snapshot"`
	SampleCount int              `json:"sample_count"`
	TrainedAt   time.Time        `json:"trained_at"`
}

// SampleStore holds raw samples and the per-user mode.
type SampleStore interface {
	CreateSample(ctx context.Context, s Sample) error
	// UntrainedSamples returns the owner's unconsumed samples, oldest first.
	UntrainedSamples(ctx context.Context, owner string) ([]Sample, error)
	OwnersWithUntrained(ctx context.Context) ([]string, error)
	Mode(ctx context.Context, owner string) (Mode, error)
	SetMode(ctx context.Context, owner string, mode Mode) error
}

// ModelStore persists models. CommitTraining must replace the model and mark
// the given samples trained in one atomic unit, so readers only ever see a
// complete model and consumed samples are never trained on twice.
type ModelStore interface {
	LoadModel(ctx context.Context, owner string) (UserModel, error)
	CommitTraining(ctx context.Context, m UserModel, sampleIDs []string) error
}
