package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// StaleJobLister finds non-terminal jobs that stopped making progress
type StaleJobLister interface {
	ListStaleJobs(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

// EventPublisher publishes trigger events
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, jobID string) error
}

// SweeperConfig holds sweeper configuration
type SweeperConfig struct {
	Logger     *slog.Logger
	Jobs       StaleJobLister
	Publisher  EventPublisher
	Schedule   string
	StaleAfter time.Duration
	BatchSize  int
}

// Sweeper republishes trigger events for stale QUEUED and PROCESSING jobs so
// lost events and crashed runs resume from their last checkpoint
type Sweeper struct {
	logger     *slog.Logger
	jobs       StaleJobLister
	publisher  EventPublisher
	schedule   string
	staleAfter time.Duration
	batchSize  int
	group      singleflight.Group
	now        func() time.Time
}

// NewSweeper creates a new Sweeper
func NewSweeper(cfg *SweeperConfig) *Sweeper {
	return &Sweeper{
		logger:     cfg.Logger,
		jobs:       cfg.Jobs,
		publisher:  cfg.Publisher,
		schedule:   cfg.Schedule,
		staleAfter: cfg.StaleAfter,
		batchSize:  cfg.BatchSize,
		now:        time.Now,
	}
}

// Run sweeps on the cron schedule until ctx is canceled
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.schedule, func() {
		_, _, _ = s.group.Do("sweep", func() (any, error) {
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("Sweep failed", slog.String("error", err.Error()))
			}
			return n, err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweeper: %w", err)
	}

	s.logger.Info("Sweeper started",
		slog.String("schedule", s.schedule),
		slog.Duration("stale_after", s.staleAfter),
	)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	s.logger.Info("Sweeper stopped")
	return nil
}

// Sweep republishes one batch of stale jobs and returns how many were published
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)

	ids, err := s.jobs.ListStaleJobs(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	published := 0
	for _, id := range ids {
		if err := s.publisher.PublishJobEvent(ctx, id); err != nil {
			s.logger.Warn("Failed to republish stale job",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		published++
	}

	if len(ids) > 0 {
		s.logger.Info("Republished stale jobs",
			slog.Int("found", len(ids)),
			slog.Int("published", published),
		)
	}

	return published, nil
}
