package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"behavtrust/pkg/biometrics"
	"behavtrust/pkg/ml"
)

// SampleRepository implements biometrics.SampleStore and biometrics.ModelStore.
type SampleRepository struct {
	db *Database
}

func NewSampleRepository(db *Database) *SampleRepository {
	return &SampleRepository{db: db}
}

func (r *SampleRepository) CreateSample(ctx context.Context, s biometrics.Sample) error {
	payload, err := json.Marshal(s.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	_, err = r.db.DB.ExecContext(ctx,
		`INSERT INTO behavioral_samples (id, owner, metrics, trained, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.Owner, payload, s.Trained, s.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

func (r *SampleRepository) UntrainedSamples(ctx context.Context, owner string) ([]biometrics.Sample, error) {
	rows, err := r.db.DB.QueryContext(ctx,
		`SELECT id, owner, metrics, trained, created_at
		   FROM behavioral_samples
		  WHERE owner = $1 AND NOT trained
		  ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("query untrained samples: %w", err)
	}
	defer rows.Close()

	var out []biometrics.Sample
	for rows.Next() {
		var (
			s   biometrics.Sample
			raw []byte
		)
		if err := rows.Scan(&s.ID, &s.Owner, &raw, &s.Trained, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if err := json.Unmarshal(raw, &s.Metrics); err != nil {
			return nil, fmt.Errorf("decode sample %s: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SampleRepository) OwnersWithUntrained(ctx context.Context) ([]string, error) {
	rows, err := r.db.DB.QueryContext(ctx,
		`SELECT DISTINCT owner FROM behavioral_samples WHERE NOT trained ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// Mode reads the per-user mode; users without a row default to auth.
func (r *SampleRepository) Mode(ctx context.Context, owner string) (biometrics.Mode, error) {
	var mode string
	err := r.db.DB.QueryRowContext(ctx, `SELECT mode FROM users WHERE email = $1`, owner).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return biometrics.ModeAuth, nil
	}
	if err != nil {
		return "", fmt.Errorf("query mode: %w", err)
	}
	return biometrics.ParseMode(mode)
}

func (r *SampleRepository) SetMode(ctx context.Context, owner string, mode biometrics.Mode) error {
	if _, err := biometrics.ParseMode(string(mode)); err != nil {
		return err
	}
	res, err := r.db.DB.ExecContext(ctx, `UPDATE users SET mode = $2 WHERE email = $1`, owner, string(mode))
	if err != nil {
		return fmt.Errorf("update mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set mode for %s: %w", owner, ErrNoSuchUser)
	}
	return nil
}

func (r *SampleRepository) LoadModel(ctx context.Context, owner string) (biometrics.UserModel, error) {
	var (
		m   biometrics.UserModel
		raw []byte
	)
	err := r.db.DB.QueryRowContext(ctx,
		`SELECT owner, snapshot, sample_count, trained_at FROM user_models WHERE owner = $1`, owner).
		Scan(&m.Owner, &raw, &m.SampleCount, &m.TrainedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return biometrics.UserModel{}, biometrics.ErrModelNotFound
	}
	if err != nil {
		return biometrics.UserModel{}, fmt.Errorf("query model: %w", err)
	}
	snap, err := ml.UnmarshalSnapshot(raw)
	if err != nil {
		return biometrics.UserModel{}, err
	}
	m.Snapshot = snap
	return m, nil
}

// CommitTraining upserts the model and flags the consumed samples in one
// transaction. Every id must belong to the owner and still be untrained.
func (r *SampleRepository) CommitTraining(ctx context.Context, m biometrics.UserModel, sampleIDs []string) error {
	payload, err := m.Snapshot.Marshal()
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_models (owner, snapshot, sample_count, trained_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (owner) DO UPDATE
			    SET snapshot = EXCLUDED.snapshot,
			        sample_count = EXCLUDED.sample_count,
			        trained_at = EXCLUDED.trained_at`,
			m.Owner, payload, m.SampleCount, m.TrainedAt.UTC()); err != nil {
			return fmt.Errorf("upsert model: %w", err)
		}
		if len(sampleIDs) == 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE behavioral_samples SET trained = TRUE
			  WHERE owner = $1 AND NOT trained AND id = ANY($2::uuid[])`,
			m.Owner, pq.Array(sampleIDs))
		if err != nil {
			return fmt.Errorf("mark samples trained: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark samples trained: %w", err)
		}
		if int(n) != len(sampleIDs) {
			return fmt.Errorf("mark samples trained: %d of %d samples were available", n, len(sampleIDs))
		}
		return nil
	})
}

var (
	_ biometrics.SampleStore = (*SampleRepository)(nil)
	_ biometrics.ModelStore  = (*SampleRepository)(nil)
)
