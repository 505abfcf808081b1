// Package scheduler advances broker epochs on a fixed cadence. When several
// replicas run, a distributed lock lets only one of them advance per tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/option-broker/internal/clock"
	"github.com/atmx/option-broker/internal/model"
)

// DefaultLockKey is the distributed lock taken around an epoch advance.
const DefaultLockKey = "new-epoch"

// Advancer is the part of the broker the scheduler drives.
type Advancer interface {
	Epoch(ctx context.Context) (model.EpochState, error)
	NewEpoch(ctx context.Context, caller common.Address) (model.EpochState, error)
}

// Locker hands out TTL-bounded locks. It returns model.ErrLockHeld when
// another holder owns key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Config configures a Scheduler.
type Config struct {
	// Interval is the epoch length.
	Interval time.Duration
	// CheckEvery is how often the scheduler looks whether an epoch is due.
	// Zero means Interval/10, at least one second.
	CheckEvery time.Duration
	// Caller is the identity recorded on scheduled advances.
	Caller common.Address
	// LockKey and LockTTL apply when a Locker is set.
	LockKey string
	LockTTL time.Duration
}

// Scheduler calls NewEpoch whenever Interval has elapsed since the last
// epoch started. The first epoch is advanced on the first check.
type Scheduler struct {
	cfg       Config
	advancer  Advancer
	locker    Locker
	clock     clock.Clock
	log       *slog.Logger
	onAdvance func(context.Context, model.EpochState)
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLocker guards every advance with a distributed lock.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// OnAdvance registers fn to run after each successful advance.
func OnAdvance(fn func(context.Context, model.EpochState)) Option {
	return func(s *Scheduler) { s.onAdvance = fn }
}

// New validates cfg and returns a scheduler.
func New(cfg Config, a Advancer, opts ...Option) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval must be positive, got %s", cfg.Interval)
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = cfg.Interval / 10
		if cfg.CheckEvery < time.Second {
			cfg.CheckEvery = time.Second
		}
	}
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultLockKey
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	s := &Scheduler{cfg: cfg, advancer: a, clock: clock.System{}, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Due reports whether an epoch advance is due at now.
func Due(state model.EpochState, now time.Time, interval time.Duration) bool {
	if state.Number == 0 {
		return true
	}
	return !now.Before(state.LastTimestamp.Add(interval))
}

// RunOnce advances the epoch if one is due. It reports whether it did.
// A lock held by another replica is not an error.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	state, err := s.advancer.Epoch(ctx)
	if err != nil {
		return false, fmt.Errorf("scheduler: read epoch: %w", err)
	}
	if !Due(state, s.clock.Now(), s.cfg.Interval) {
		return false, nil
	}

	if s.locker != nil {
		unlock, err := s.locker.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if errors.Is(err, model.ErrLockHeld) {
			s.log.Debug("epoch advance skipped, lock held elsewhere", "epoch", state.Number)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("scheduler: acquire lock: %w", err)
		}
		defer unlock()

		// Another replica may have advanced between the check and the lock.
		if state, err = s.advancer.Epoch(ctx); err != nil {
			return false, fmt.Errorf("scheduler: read epoch: %w", err)
		}
		if !Due(state, s.clock.Now(), s.cfg.Interval) {
			return false, nil
		}
	}

	next, err := s.advancer.NewEpoch(ctx, s.cfg.Caller)
	if err != nil {
		return false, err
	}
	if s.onAdvance != nil {
		s.onAdvance(ctx, next)
	}
	return true, nil
}

// Run checks every CheckEvery until ctx is cancelled, starting immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("epoch scheduler started", "interval", s.cfg.Interval, "check_every", s.cfg.CheckEvery)
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("epoch scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNoActivePools):
		s.log.Warn("epoch advance skipped", "err", err)
	case errors.Is(err, model.ErrOracleUnavailable):
		s.log.Warn("epoch advance failed, will retry", "err", err)
	default:
		s.log.Error("epoch advance failed", "err", err)
	}
}
