package tasks

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeFetchFeed    TaskType = "fetch_feed"
	TaskTypeDiscoverFeed TaskType = "discover_feed"
	TaskTypeArchiveFeed  TaskType = "archive_feed"
)

// ErrStoreUnavailable marks errors that must stop the running loop. Every
// other per-feed failure is absorbed into the feed's backoff.
var ErrStoreUnavailable = errors.New("store unavailable")

type Task struct {
	ID        string
	Type      TaskType
	FeedURL   string
	StartedAt *time.Time
}

func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

func NewTask(taskType TaskType, feedURL string) Task {
	return Task{
		ID:      uuid.NewString(),
		Type:    taskType,
		FeedURL: feedURL,
	}
}
