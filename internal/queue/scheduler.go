package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"clipflow/internal/observability/logging"
	"clipflow/internal/observability/metrics"
	"clipflow/internal/storage"
)

// SchedulerConfig tunes the queue sweep loop.
type SchedulerConfig struct {
	Repository   storage.Repository
	Worker       *Worker
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	SweepEvery   time.Duration
	Concurrency  int64
	StalledAfter time.Duration
}

const (
	defaultSweepEvery   = 15 * time.Second
	defaultConcurrency  = 4
	defaultStalledAfter = 30 * time.Minute
)

// Scheduler claims pending jobs on a fixed interval and dispatches them to
// the worker pool. High priority enqueues can Kick the scheduler to sweep
// immediately instead of waiting for the next tick.
type Scheduler struct {
	repo         storage.Repository
	worker       *Worker
	logger       *slog.Logger
	metrics      *metrics.Recorder
	sweepEvery   time.Duration
	stalledAfter time.Duration
	sem          *semaphore.Weighted

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler wires a scheduler from its configuration, filling unset
// fields with usable defaults.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Worker == nil {
		return nil, errors.New("worker is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	sweepEvery := cfg.SweepEvery
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepEvery
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	stalledAfter := cfg.StalledAfter
	if stalledAfter <= 0 {
		stalledAfter = defaultStalledAfter
	}
	return &Scheduler{
		repo:         cfg.Repository,
		worker:       cfg.Worker,
		logger:       logging.WithComponent(logger, "queue-scheduler"),
		metrics:      recorder,
		sweepEvery:   sweepEvery,
		stalledAfter: stalledAfter,
		sem:          semaphore.NewWeighted(concurrency),
		kick:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}, nil
}

// Start recovers state left over from an earlier run and begins the sweep
// loop. It returns once the loop goroutine is running.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.recover(runCtx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.sweep(runCtx)
			case <-s.kick:
				s.sweep(runCtx)
			}
		}
	}()
}

// Kick requests an immediate sweep. It never blocks; a pending kick is
// coalesced with the next one.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Shutdown stops claiming new jobs and waits for in-flight workers to
// finish, bounded by the context deadline.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) recover(ctx context.Context) {
	recovered, err := s.repo.RecoverStalledJobs(ctx, s.stalledAfter)
	if err != nil {
		s.logger.Error("recover stalled jobs", "error", err)
	} else if recovered > 0 {
		s.logger.Info("recovered stalled jobs", "count", recovered)
	}
	expired, err := s.repo.ExpireUploadSessions(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("expire upload sessions", "error", err)
	} else if expired > 0 {
		s.logger.Info("expired stale upload sessions", "count", expired)
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if recovered, err := s.repo.RecoverStalledJobs(ctx, s.stalledAfter); err == nil && recovered > 0 {
		s.logger.Info("recovered stalled jobs", "count", recovered)
	}
	if expired, err := s.repo.ExpireUploadSessions(ctx, time.Now().UTC()); err == nil && expired > 0 {
		s.logger.Info("expired stale upload sessions", "count", expired)
	}

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		job, err := s.repo.ClaimNextJob(ctx)
		if err != nil {
			s.sem.Release(1)
			if !errors.Is(err, storage.ErrNoPendingJobs) && !errors.Is(err, context.Canceled) {
				s.logger.Error("claim next job", "error", err)
			}
			break
		}
		s.metrics.ObserveQueueEvent(string(job.Priority), "claimed")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.worker.Process(ctx, job)
		}()
	}

	if stats, err := s.repo.QueueStats(ctx); err == nil {
		s.metrics.SetQueueDepth(int64(stats.Pending))
	}
}
