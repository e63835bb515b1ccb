package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExpirySweeper expires due requests in batches.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// LeaderLock elects one sweeper across replicas.
type LeaderLock interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// SweeperConfig controls the expiry loop.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	LockKey   string
}

// Sweeper periodically moves pending and approved requests past their
// deadline to expired.
type Sweeper struct {
	cfg   SweeperConfig
	sweep ExpirySweeper
	lock  LeaderLock
	log   *slog.Logger
}

// NewSweeper creates a sweeper. lock may be nil for a single replica.
func NewSweeper(cfg SweeperConfig, sweep ExpirySweeper, lock LeaderLock) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "custody:sweeper"
	}
	return &Sweeper{
		cfg:   cfg,
		sweep: sweep,
		lock:  lock,
		log:   slog.Default().With("component", "sweeper"),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error("Expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("Expired requests", "count", n)
	}
}

// RunOnce drains due requests batch by batch. It returns 0 without sweeping
// when another replica holds the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.lock != nil {
		ok, err := s.lock.AcquireLock(ctx, s.cfg.LockKey, s.cfg.Interval)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire sweeper lock: %w", err)
		}
		if !ok {
			s.log.Debug("Sweeper lock held elsewhere")
			return 0, nil
		}
		defer func() {
			if err := s.lock.ReleaseLock(context.WithoutCancel(ctx), s.cfg.LockKey); err != nil {
				s.log.Warn("Failed to release sweeper lock", "error", err)
			}
		}()
	}

	total := 0
	for {
		n, err := s.sweep.SweepExpired(ctx, s.cfg.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		// A short batch means nothing else was due. Entries that failed to
		// expire are retried on the next tick.
		if n < s.cfg.BatchSize {
			return total, nil
		}
	}
}
