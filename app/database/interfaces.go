package database

import (
	"context"
	"time"
)

// Clock selects which backoff clock a claim is taken against.
type Clock int

const (
	FetchClock Clock = iota
	ArchiveClock
)

func (c Clock) String() string {
	if c == ArchiveClock {
		return "archive"
	}
	return "fetch"
}

func (c Clock) dueColumn() string {
	if c == ArchiveClock {
		return "next_archive_sweep_at"
	}
	return "next_fetch_at"
}

func (c Clock) leaseColumn() string {
	if c == ArchiveClock {
		return "archive_claimed_until"
	}
	return "fetch_claimed_until"
}

type Claimer interface {
	// ClaimNextDue returns nil when no unclaimed feed is due on clock.
	ClaimNextDue(ctx context.Context, clock Clock, now time.Time) (*Claim, error)
	ClaimFeed(ctx context.Context, clock Clock, feedID int64) (*Claim, error)
}

var _ Claimer = (*DB)(nil)
