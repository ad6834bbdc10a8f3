package biometrics

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"behavtrust/pkg/ml"
)

// MemoryStore implements SampleStore and ModelStore in process.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string]*Sample
	order   []string
	models  map[string]UserModel
	modes   map[string]Mode
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples: make(map[string]*Sample),
		models:  make(map[string]UserModel),
		modes:   make(map[string]Mode),
	}
}

func (s *MemoryStore) CreateSample(ctx context.Context, smp Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.samples[smp.ID]; ok {
		return fmt.Errorf("sample %s already exists", smp.ID)
	}
	smp.Metrics = cloneMetrics(smp.Metrics)
	s.samples[smp.ID] = &smp
	s.order = append(s.order, smp.ID)
	return nil
}

func (s *MemoryStore) UntrainedSamples(ctx context.Context, owner string) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Sample
	for _, id := range s.order {
		smp := s.samples[id]
		if smp.Owner == owner && !smp.Trained {
			c := *smp
			c.Metrics = cloneMetrics(smp.Metrics)
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) OwnersWithUntrained(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, smp := range s.samples {
		if !smp.Trained {
			seen[smp.Owner] = struct{}{}
		}
	}
	owners := make([]string, 0, len(seen))
	for o := range seen {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners, nil
}

// Mode defaults to ModeAuth for users that never set one.
func (s *MemoryStore) Mode(_ context.Context, owner string) (Mode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.modes[owner]; ok {
		return m, nil
	}
	return ModeAuth, nil
}

func (s *MemoryStore) SetMode(_ context.Context, owner string, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[owner] = mode
	return nil
}

func (s *MemoryStore) LoadModel(ctx context.Context, owner string) (UserModel, error) {
	if err := ctx.Err(); err != nil {
		return UserModel{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[owner]
	if !ok {
		return UserModel{}, ErrModelNotFound
	}
	return m, nil
}

func (s *MemoryStore) CommitTraining(ctx context.Context, m UserModel, sampleIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sampleIDs {
		if _, ok := s.samples[id]; !ok {
			return fmt.Errorf("commit training: unknown sample %s", id)
		}
	}
	s.models[m.Owner] = m
	for _, id := range sampleIDs {
		s.samples[id].Trained = true
	}
	return nil
}

// SampleCount returns how many samples the owner has, split by consumed flag.
func (s *MemoryStore) SampleCount(owner string) (untrained, trained int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, smp := range s.samples {
		if smp.Owner != owner {
			continue
		}
		if smp.Trained {
			trained++
		} else {
			untrained++
		}
	}
	return untrained, trained
}

func cloneMetrics(m ml.Metrics) ml.Metrics {
	if m == nil {
		return nil
	}
	out := make(ml.Metrics, len(m))
	for k, v := range m {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

var (
	_ SampleStore = (*MemoryStore)(nil)
	_ ModelStore  = (*MemoryStore)(nil)
)
