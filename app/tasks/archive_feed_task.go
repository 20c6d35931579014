package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/lysyi3m/feed-poller/app/database"
)

// SortNewestFirst orders entries by published, created and updated time,
// newest first. Missing times sort last.
func SortNewestFirst(entries []database.Entry) {
	slices.SortStableFunc(entries, func(a, b database.Entry) int {
		if c := b.PublishedAt.Compare(a.PublishedAt); c != 0 {
			return c
		}
		if c := compareOptional(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		if c := compareOptional(b.UpdatedAt, a.UpdatedAt); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})
}

func compareOptional(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return a.Compare(*b)
	}
}

// SelectForArchival returns the ids of the entries to archive: everything
// past the newest countThreshold, and everything published before
// now-timeThreshold. A zero threshold disables that rule.
func SelectForArchival(entries []database.Entry, now time.Time, timeThreshold time.Duration, countThreshold int) []int64 {
	ordered := slices.Clone(entries)
	SortNewestFirst(ordered)

	cutoff := now.Add(-timeThreshold)

	var ids []int64
	for i, e := range ordered {
		tooMany := countThreshold > 0 && i >= countThreshold
		tooOld := timeThreshold > 0 && e.PublishedAt.Before(cutoff)
		if tooMany || tooOld {
			ids = append(ids, e.ID)
		}
	}

	return ids
}

type ArchiveFeedTask struct {
	Task
	claim          *database.Claim
	now            time.Time
	backoff        time.Duration
	timeThreshold  time.Duration
	countThreshold int
}

func NewArchiveFeedTask(claim *database.Claim, now time.Time, backoff, timeThreshold time.Duration, countThreshold int) *ArchiveFeedTask {
	return &ArchiveFeedTask{
		Task:           NewTask(TaskTypeArchiveFeed, claim.Feed.URL),
		claim:          claim,
		now:            now,
		backoff:        backoff,
		timeThreshold:  timeThreshold,
		countThreshold: countThreshold,
	}
}

// Execute archives the claimed feed's stale entries and moves its archive
// clock forward by the flat backoff. It returns the number of entries
// archived; any error is a store error.
func (t *ArchiveFeedTask) Execute(ctx context.Context) (int64, error) {
	t.Start()

	var archived int64
	err := t.claim.Commit(ctx, func(q database.Querier) error {
		entries := database.NewEntryRepository(q)

		active, err := entries.ListActiveEntries(ctx, t.claim.Feed.ID)
		if err != nil {
			return err
		}

		ids := SelectForArchival(active, t.now, t.timeThreshold, t.countThreshold)
		if len(ids) > 0 {
			if archived, err = entries.ArchiveEntries(ctx, ids); err != nil {
				return err
			}
		}

		return database.NewFeedRepository(q).SetNextArchiveSweep(ctx, t.claim.Feed.ID, t.now.Add(t.backoff), t.now)
	})
	if err != nil {
		if releaseErr := t.claim.Release(ctx); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		return 0, fmt.Errorf("%w: failed to archive entries of %s: %w", ErrStoreUnavailable, t.claim.Feed.URL, err)
	}

	archivedEntriesTotal.Add(float64(archived))

	slog.Info("Task completed",
		"type", string(t.Type),
		"id", t.ID,
		"feed", t.FeedURL,
		"duration", t.GetDuration(),
		"archived", archived)

	return archived, nil
}
