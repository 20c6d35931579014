package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lysyi3m/feed-poller/app/cfg"
	"github.com/lysyi3m/feed-poller/app/database"
	"golang.org/x/sync/errgroup"
)

// ErrFeedBusy is returned when a one-shot run finds the feed claimed by
// another worker.
var ErrFeedBusy = errors.New("feed is claimed by another worker")

// Scheduler repeatedly claims due feeds and fans them out to workers.
type Scheduler struct {
	claimer database.Claimer
	worker  *Worker
	config  cfg.SchedulerConfig
	now     func() time.Time
}

func NewScheduler(claimer database.Claimer, worker *Worker, config cfg.SchedulerConfig) *Scheduler {
	return &Scheduler{
		claimer: claimer,
		worker:  worker,
		config:  config,
		now:     time.Now,
	}
}

// Run ticks until ctx is cancelled, a single run completes, or a store
// error occurs. Cancellation lets in-flight feeds finish but claims
// nothing new.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Polling scheduler started",
		"count", s.config.Count,
		"workers", s.config.Workers,
		"sleep", s.config.SleepInterval.String())

	for {
		processed, err := s.Tick(ctx)
		if err != nil {
			return err
		}

		if s.config.SingleRun || ctx.Err() != nil {
			slog.Info("Polling scheduler stopped", "processed", processed)
			return nil
		}

		// A full batch means there may be more due feeds waiting.
		if processed >= s.config.Count {
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("Polling scheduler stopped")
			return nil
		case <-time.After(s.config.SleepInterval):
		}
	}
}

// Tick claims up to Count due feeds, processing at most Workers at once,
// and returns how many were processed.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	// In-flight work is not cancelled by shutdown, only by a fatal error
	// in a sibling.
	g, workCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(s.config.Workers)

	var (
		exhausted atomic.Bool
		processed atomic.Int64
		seen      sync.Map
	)
	now := s.now()

	for range s.config.Count {
		if ctx.Err() != nil || workCtx.Err() != nil || exhausted.Load() {
			break
		}

		g.Go(func() error {
			if ctx.Err() != nil || exhausted.Load() {
				return nil
			}

			claim, err := s.claimer.ClaimNextDue(workCtx, database.FetchClock, now)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
			}
			if claim == nil {
				exhausted.Store(true)
				return nil
			}

			// A feed whose new schedule is still due is left for the next tick.
			if _, dup := seen.LoadOrStore(claim.Feed.ID, true); dup {
				exhausted.Store(true)
				if err := claim.Release(workCtx); err != nil {
					return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
				}
				return nil
			}

			if _, err := s.worker.Process(workCtx, claim); err != nil {
				return err
			}
			processed.Add(1)
			return nil
		})
	}

	err := g.Wait()
	n := int(processed.Load())
	if n > 0 {
		slog.Debug("Tick completed", "processed", n)
	}

	return n, err
}

// RunFeed processes one feed immediately, regardless of its due time.
func (s *Scheduler) RunFeed(ctx context.Context, feedID int64) (*Result, error) {
	claim, err := s.claimer.ClaimFeed(ctx, database.FetchClock, feedID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if claim == nil {
		return nil, ErrFeedBusy
	}

	return s.worker.Process(context.WithoutCancel(ctx), claim)
}
