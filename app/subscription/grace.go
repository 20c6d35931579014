// Package subscription subscribes users to feeds, sparing them the feed's
// old backlog by marking it read up front.
package subscription

import (
	"cmp"
	"slices"
	"time"

	"github.com/lysyi3m/feed-poller/app/database"
)

// GraceEntries returns the ids of entries a user created at userCreatedAt
// should start with as read. When more than minCount entries were
// published since the grace start, everything older is read; otherwise
// only the newest minCount entries stay unread.
func GraceEntries(entries []database.Entry, userCreatedAt time.Time, interval time.Duration, minCount int) []int64 {
	graceStart := userCreatedAt.Add(interval)

	recent := 0
	for _, e := range entries {
		if !e.PublishedAt.Before(graceStart) {
			recent++
		}
	}

	var ids []int64
	if recent > minCount {
		for _, e := range entries {
			if e.PublishedAt.Before(graceStart) {
				ids = append(ids, e.ID)
			}
		}
		return ids
	}

	ordered := slices.Clone(entries)
	slices.SortStableFunc(ordered, func(a, b database.Entry) int {
		if c := a.PublishedAt.Compare(b.PublishedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	for _, e := range ordered[:max(len(ordered)-max(minCount, 0), 0)] {
		ids = append(ids, e.ID)
	}
	return ids
}
