package biometrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"behavtrust/pkg/metrics"
	"behavtrust/pkg/structlog"
)

// Locker provides cross-process mutual exclusion. TryLock returns ok=false
// when someone else holds the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// SchedulerConfig tunes the periodic pass.
type SchedulerConfig struct {
	Interval time.Duration
	Workers  int
	LockTTL  time.Duration
}

// Summary counts the outcomes of one TrainAllUsers pass.
type Summary struct {
	Owners       int `json:"owners"`
	Trained      int `json:"trained"`
	Insufficient int `json:"insufficient_data"`
	Failed       int `json:"failed"`
	Busy         int `json:"busy"`
}

// Scheduler retrains every user with pending samples, in parallel across
// users and never twice at once for the same user.
type Scheduler struct {
	samples SampleStore
	trainer *Trainer
	locker  Locker
	cfg     SchedulerConfig
	log     *structlog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]struct{}

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewScheduler builds a scheduler. locker may be nil for a single process.
func NewScheduler(samples SampleStore, trainer *Trainer, locker Locker, cfg SchedulerConfig, log *structlog.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Scheduler{
		samples:  samples,
		trainer:  trainer,
		locker:   locker,
		cfg:      cfg,
		log:      log.WithComponent("scheduler"),
		metrics:  m,
		inflight: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// TrainAllUsers runs one pass. Per-user failures are logged and counted,
// never returned, so one bad user cannot stop the others.
func (s *Scheduler) TrainAllUsers(ctx context.Context) Summary {
	ctx, corrID := structlog.GetOrCreateCorrelationID(ctx)
	log := s.log.WithContext(ctx)

	owners, err := s.samples.OwnersWithUntrained(ctx)
	if err != nil {
		log.Error("list owners with untrained samples", structlog.Fields{"error": err})
		return Summary{}
	}

	var (
		mu  sync.Mutex
		sum = Summary{Owners: len(owners)}
		wg  sync.WaitGroup
	)
	jobs := make(chan string)
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for owner := range jobs {
				status, err := s.trainOne(ctx, owner)
				mu.Lock()
				switch {
				case err != nil:
					sum.Failed++
				case status == "busy":
					sum.Busy++
				case status == string(StatusInsufficientData):
					sum.Insufficient++
				default:
					sum.Trained++
				}
				mu.Unlock()
			}
		}()
	}
feed:
	for _, owner := range owners {
		select {
		case jobs <- owner:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	log.Info("training pass complete", structlog.Fields{
		"pass_id": corrID, "owners": sum.Owners, "trained": sum.Trained,
		"insufficient_data": sum.Insufficient, "failed": sum.Failed, "busy": sum.Busy,
	})
	return sum
}

func (s *Scheduler) trainOne(ctx context.Context, owner string) (string, error) {
	if !s.acquire(owner) {
		s.metrics.TrainingRun("busy", 0)
		return "busy", nil
	}
	defer s.release(owner)

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, "train:"+owner, s.cfg.LockTTL)
		if err != nil {
			s.log.Error("acquire training lock", structlog.Fields{"owner": owner, "error": err})
			s.metrics.TrainingRun("failed", 0)
			return "", err
		}
		if !ok {
			s.metrics.TrainingRun("busy", 0)
			return "busy", nil
		}
		defer unlock()
	}

	res, err := s.trainer.TrainUser(ctx, owner)
	if err != nil {
		s.log.Error("training failed", structlog.Fields{"owner": owner, "error": err})
		return "", err
	}
	return string(res.Status), nil
}

func (s *Scheduler) acquire(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[owner]; busy {
		return false
	}
	s.inflight[owner] = struct{}{}
	return true
}

func (s *Scheduler) release(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, owner)
}

// Start runs TrainAllUsers every Interval until ctx is cancelled or Stop is
// called. It returns immediately; calling it twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("training scheduler started", structlog.Fields{"interval": s.cfg.Interval.String(), "workers": s.cfg.Workers})
	for {
		select {
		case <-ticker.C:
			s.TrainAllUsers(ctx)
		case <-ctx.Done():
			s.log.Info("training scheduler stopped", nil)
			return
		case <-s.stopCh:
			s.log.Info("training scheduler stopped", nil)
			return
		}
	}
}

// Stop ends a started scheduler and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.done
	}
}
