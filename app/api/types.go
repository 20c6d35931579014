package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lysyi3m/feed-poller/app/database"
	"github.com/lysyi3m/feed-poller/app/subscription"
	"github.com/lysyi3m/feed-poller/app/tasks"
)

type Discoverer interface {
	Discover(ctx context.Context, rawURL string) (*database.Feed, error)
}

type FeedRunner interface {
	RunFeed(ctx context.Context, feedID int64) (*tasks.Result, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, userID, feedID int64) (*subscription.Result, error)
}

var (
	_ Discoverer = (*tasks.Worker)(nil)
	_ FeedRunner = (*tasks.Scheduler)(nil)
	_ Subscriber = (*subscription.Service)(nil)
)

type Handler struct {
	db         *database.DB
	discoverer Discoverer
	runner     FeedRunner
	subscriber Subscriber
}

type createFeedRequest struct {
	URL string `json:"url" binding:"required"`
}

type createUserRequest struct {
	CreatedAt *time.Time `json:"created_at"`
}

// subscribeRequest names the feed by id or by URL. An unknown URL is
// discovered first.
type subscribeRequest struct {
	UserID  int64  `json:"user_id" binding:"required"`
	FeedID  int64  `json:"feed_id"`
	FeedURL string `json:"feed_url"`
}

type feedResponse struct {
	UUID                  uuid.UUID  `json:"uuid"`
	URL                   string     `json:"url"`
	Title                 string     `json:"title"`
	HomeURL               string     `json:"home_url,omitempty"`
	LastSuccessfulFetchAt *time.Time `json:"last_successful_fetch_at"`
	NextFetchAt           time.Time  `json:"next_fetch_at"`
	NextArchiveSweepAt    time.Time  `json:"next_archive_sweep_at"`
	LastError             string     `json:"last_error,omitempty"`
	ErrorCount            int        `json:"error_count"`
	ActiveEntries         *int       `json:"active_entries,omitempty"`
	ArchivedEntries       *int       `json:"archived_entries,omitempty"`
}

func newFeedResponse(f *database.Feed) feedResponse {
	return feedResponse{
		UUID:                  f.UUID,
		URL:                   f.URL,
		Title:                 f.Title,
		HomeURL:               f.HomeURL,
		LastSuccessfulFetchAt: f.LastSuccessfulFetchAt,
		NextFetchAt:           f.NextFetchAt,
		NextArchiveSweepAt:    f.NextArchiveSweepAt,
		LastError:             f.LastError,
		ErrorCount:            f.ErrorCount,
	}
}

type fetchResponse struct {
	Feed        uuid.UUID `json:"feed"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Inserted    int       `json:"inserted"`
	Updated     int       `json:"updated"`
	NextFetchAt time.Time `json:"next_fetch_at"`
}
