package database

import (
	"time"

	"github.com/google/uuid"
)

type Feed struct {
	ID                    int64
	UUID                  uuid.UUID
	URL                   string // Canonicalized feed URL, the feed's identity
	Title                 string
	HomeURL               string // Homepage from the feed's <link> element
	PublishedAt           time.Time
	UpdatedAt             *time.Time // Feed-level updated timestamp from the document
	LastSuccessfulFetchAt *time.Time
	NextFetchAt           time.Time
	NextArchiveSweepAt    time.Time
	LastError             string
	ErrorCount            int
	CreatedAt             time.Time
	ModifiedAt            time.Time // Stamped on every save regardless of outcome
}

// LastWriteAt anchors the fetch backoff: the last successful fetch, or the
// row's creation when the feed never fetched successfully.
func (f *Feed) LastWriteAt() time.Time {
	if f.LastSuccessfulFetchAt != nil {
		return *f.LastSuccessfulFetchAt
	}
	return f.CreatedAt
}

type Entry struct {
	ID          int64
	FeedID      int64
	SourceID    string // Source-provided stable id (guid / atom:id)
	Title       string
	URL         string
	Content     string
	AuthorName  string
	CreatedAt   *time.Time
	UpdatedAt   *time.Time
	PublishedAt time.Time // Defaults to ingestion time when the source omits it
	IsArchived  bool
	Language    string
	IngestedAt  time.Time
}

type User struct {
	ID        int64
	CreatedAt time.Time
}

type Stats struct {
	Feeds           int
	DueFeeds        int
	FailingFeeds    int
	Entries         int
	ArchivedEntries int
}
