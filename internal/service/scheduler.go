package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"xthreadcraft/internal/config"
	"xthreadcraft/internal/crash"
	"xthreadcraft/internal/logger"
	"xthreadcraft/internal/models"
)

// TickReport summarises one scheduler tick. Due counts every pending request
// whose time has come; Skipped are those of them left for a later tick
// because of backoff, an owner cooldown or the batch size.
type TickReport struct {
	Due        int
	Expired    int
	Skipped    int
	Dispatched int

	Succeeded   int
	AlreadyGone int
	Retried     int
	Failed      int
	Conflicts   int
	Errors      int
}

func (r *TickReport) record(outcome Outcome, err error) {
	switch {
	case errors.Is(err, models.ErrConflict):
		r.Conflicts++
		return
	case outcome == OutcomeSuccess:
		r.Succeeded++
	case outcome == OutcomeAlreadyGone:
		r.AlreadyGone++
	case outcome == OutcomeRetryable:
		r.Retried++
	case outcome == OutcomeFatal:
		r.Failed++
	}
	if err != nil && !errors.Is(err, models.ErrRetryableExternal) && !errors.Is(err, models.ErrFatalExternal) {
		r.Errors++
	}
}

// Scheduler polls the request store for due deletions and hands them to the
// executor through a bounded pool.
type Scheduler struct {
	deletions dueLister
	executor  *Executor
	cfg       config.SchedulerConfig
	now       func() time.Time
}

// dueLister is the read side of the request store the scheduler scans.
type dueLister interface {
	CountDue(ctx context.Context, now time.Time) (int64, error)
	ListReady(ctx context.Context, now time.Time, excludedOwners []string, limit int) ([]models.ScheduledDeletion, error)
	ListExpiredLeases(ctx context.Context, now time.Time, excludedOwners []string, limit int) ([]models.ScheduledDeletion, error)
}

// NewScheduler creates a scheduler feeding executor.
func NewScheduler(repos *Repositories, executor *Executor, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		deletions: repos.Deletions,
		executor:  executor,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run ticks every cfg.Interval until ctx is cancelled. Tick failures are
// logged and the loop carries on.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Infof("Scheduler started: interval=%v batch=%d concurrency=%d", s.cfg.Interval, s.cfg.BatchSize, s.cfg.Concurrency)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		logger.Errorf("Scheduler tick failed: %v", err)
		return
	}
	if report.Dispatched > 0 || report.Skipped > 0 {
		logger.Infof("Scheduler tick: due=%d expired=%d dispatched=%d skipped=%d executed=%d gone=%d retried=%d failed=%d conflicts=%d errors=%d",
			report.Due, report.Expired, report.Dispatched, report.Skipped, report.Succeeded, report.AlreadyGone,
			report.Retried, report.Failed, report.Conflicts, report.Errors)
	}
}

// RunOnce performs a single tick and waits for the attempts it started.
func (s *Scheduler) RunOnce(ctx context.Context) (TickReport, error) {
	start := time.Now()
	defer func() {
		schedulerTickSeconds.Observe(time.Since(start).Seconds())
	}()

	now := s.now().UTC()
	cooling := s.executor.Cooldowns().Active(now)

	dueCount, err := s.deletions.CountDue(ctx, now)
	if err != nil {
		return TickReport{}, fmt.Errorf("counting due deletions: %w", err)
	}
	ready, err := s.deletions.ListReady(ctx, now, cooling, s.cfg.BatchSize)
	if err != nil {
		return TickReport{}, fmt.Errorf("listing ready deletions: %w", err)
	}
	expired, err := s.deletions.ListExpiredLeases(ctx, now, cooling, s.cfg.BatchSize)
	if err != nil {
		return TickReport{}, fmt.Errorf("listing expired leases: %w", err)
	}
	schedulerDueRequests.Set(float64(dueCount))

	report := TickReport{
		Due:     int(dueCount),
		Expired: len(expired),
		Skipped: max(int(dueCount)-len(ready), 0),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency())

	for _, d := range append(ready, expired...) {
		report.Dispatched++

		g.Go(func() error {
			var outcome Outcome
			err := crash.SafeCall("execute-"+d.ID, func() error {
				var execErr error
				outcome, execErr = s.executor.Execute(ctx, &d)
				return execErr
			})
			if err != nil && !errors.Is(err, models.ErrConflict) &&
				!errors.Is(err, models.ErrRetryableExternal) && !errors.Is(err, models.ErrFatalExternal) {
				logger.Errorf("Executing scheduled deletion %s: %v", d.ID, err)
			}

			mu.Lock()
			report.record(outcome, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return report, nil
}

func (s *Scheduler) concurrency() int {
	if s.cfg.Concurrency < 1 {
		return 1
	}
	return s.cfg.Concurrency
}
