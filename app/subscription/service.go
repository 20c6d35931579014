package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/feed-poller/app/cfg"
	"github.com/lysyi3m/feed-poller/app/database"
)

type Result struct {
	UserID     int64 `json:"user_id"`
	FeedID     int64 `json:"feed_id"`
	Subscribed bool  `json:"subscribed"` // False when the subscription already existed
	MarkedRead int64 `json:"marked_read"`
	Unread     int   `json:"unread"`
}

type Service struct {
	db     *database.DB
	config cfg.SchedulerConfig
	now    func() time.Time
}

func NewService(db *database.DB, config cfg.SchedulerConfig) *Service {
	return &Service{
		db:     db,
		config: config,
		now:    time.Now,
	}
}

// Subscribe subscribes userID to feedID and applies the grace period in
// the same transaction. An existing subscription is left as it is.
func (s *Service) Subscribe(ctx context.Context, userID, feedID int64) (*Result, error) {
	now := database.Timestamp(s.now())
	res := &Result{UserID: userID, FeedID: feedID}

	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		users := database.NewUserRepository(tx)
		entries := database.NewEntryRepository(tx)

		user, err := users.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if _, err := database.NewFeedRepository(tx).GetFeedByID(ctx, feedID); err != nil {
			return err
		}

		res.Subscribed, err = users.Subscribe(ctx, userID, feedID, now)
		if err != nil {
			return err
		}

		if res.Subscribed {
			active, err := entries.ListActiveEntries(ctx, feedID)
			if err != nil {
				return err
			}

			ids := GraceEntries(active, user.CreatedAt, s.config.GraceInterval, s.config.GraceMinCount)
			if res.MarkedRead, err = users.MarkRead(ctx, userID, ids, now); err != nil {
				return err
			}
		}

		res.Unread, err = users.CountUnread(ctx, userID, feedID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe user %d to feed %d: %w", userID, feedID, err)
	}

	slog.Info("User subscribed",
		"user_id", userID,
		"feed_id", feedID,
		"new", res.Subscribed,
		"marked_read", res.MarkedRead,
		"unread", res.Unread)

	return res, nil
}
