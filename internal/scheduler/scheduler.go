package scheduler

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Job is one scheduled pass. It runs on the scheduler goroutine, so a slow
// pass delays the next one instead of overlapping it.
type Job func(ctx context.Context)

type Scheduler struct {
	interval time.Duration
	jitter   time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	// stats (atomic) for observability
	runs     atomic.Uint64
	overruns atomic.Uint64
}

type Options struct {
	Interval time.Duration
	Jitter   time.Duration
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// NewScheduler creates a scheduler that runs a job periodically.
// - Interval: base schedule interval
// - Jitter: random delay added each cycle (0..Jitter) to reduce herd effects
func NewScheduler(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		interval: opts.Interval,
		jitter:   opts.Jitter,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("scheduler"),
	}
}

// Run executes job once immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context, job Job) {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval), zap.Duration("jitter", s.jitter))
	defer s.logger.Info("scheduler stopped")

	// Kick once immediately
	s.runOnce(ctx, job)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if s.jitter > 0 {
				delay := time.Duration(rand.Int64N(int64(s.jitter)))
				timer := s.clock.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.Chan():
				}
			}
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	start := s.clock.Now()
	job(ctx)
	s.runs.Add(1)

	if elapsed := s.clock.Since(start); elapsed > s.interval {
		s.overruns.Add(1)
		s.logger.Warn("scheduled job took longer than the interval",
			zap.Duration("elapsed", elapsed), zap.Duration("interval", s.interval))
	}
}

// Stats returns how many passes ran and how many outlasted the interval.
func (s *Scheduler) Stats() (runs uint64, overruns uint64) {
	return s.runs.Load(), s.overruns.Load()
}
