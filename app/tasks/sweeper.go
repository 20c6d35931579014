package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/feed-poller/app/cfg"
	"github.com/lysyi3m/feed-poller/app/database"
	"github.com/robfig/cron/v3"
)

// Sweeper archives stale entries on each feed's archive clock. Sweeps are
// triggered by a cron schedule; a sweep that overruns its slot is skipped.
type Sweeper struct {
	claimer database.Claimer
	config  cfg.SchedulerConfig
	now     func() time.Time
}

func NewSweeper(claimer database.Claimer, config cfg.SchedulerConfig) *Sweeper {
	return &Sweeper{
		claimer: claimer,
		config:  config,
		now:     time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	if s.config.SingleRun {
		_, err := s.Sweep(ctx)
		return err
	}

	errCh := make(chan error, 1)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.config.ArchiveSchedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	})
	if err != nil {
		return &cfg.ConfigurationError{Field: "archive-schedule", Reason: err.Error()}
	}

	slog.Info("Archival sweeper started", "schedule", s.config.ArchiveSchedule, "count", s.config.Count)
	c.Start()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	<-c.Stop().Done()
	slog.Info("Archival sweeper stopped")

	return runErr
}

// Sweep claims and archives due feeds in batches of Count until none are
// due or ctx is cancelled. It returns the number of feeds swept.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	workCtx := context.WithoutCancel(ctx)
	now := database.Timestamp(s.now())
	seen := make(map[int64]bool)

	swept := 0
	for ctx.Err() == nil {
		claim, err := s.claimer.ClaimNextDue(workCtx, database.ArchiveClock, now)
		if err != nil {
			return swept, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if claim == nil {
			break
		}
		if seen[claim.Feed.ID] {
			if err := claim.Release(workCtx); err != nil {
				return swept, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
			}
			break
		}
		seen[claim.Feed.ID] = true

		task := NewArchiveFeedTask(claim, now, s.config.ArchiveBackoff, s.config.ArchiveTimeThreshold, s.config.ArchiveCountThreshold)
		if _, err := task.Execute(workCtx); err != nil {
			return swept, err
		}
		swept++

		if s.config.SingleRun && swept >= s.config.Count {
			break
		}
	}

	return swept, nil
}
