package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const feedColumns = `id, uuid, url, title, COALESCE(home_url, ''), published_at, updated_at,
	last_successful_fetch_at, next_fetch_at, next_archive_sweep_at,
	COALESCE(last_error, ''), error_count, created_at, modified_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*Feed, error) {
	var (
		f                              Feed
		updatedAt, lastSuccessfulFetch sql.NullTime
	)

	err := row.Scan(&f.ID, &f.UUID, &f.URL, &f.Title, &f.HomeURL, &f.PublishedAt, &updatedAt,
		&lastSuccessfulFetch, &f.NextFetchAt, &f.NextArchiveSweepAt,
		&f.LastError, &f.ErrorCount, &f.CreatedAt, &f.ModifiedAt)
	if err != nil {
		return nil, err
	}

	f.PublishedAt = f.PublishedAt.UTC()
	f.UpdatedAt = optionalTime(updatedAt)
	f.LastSuccessfulFetchAt = optionalTime(lastSuccessfulFetch)
	f.NextFetchAt = f.NextFetchAt.UTC()
	f.NextArchiveSweepAt = f.NextArchiveSweepAt.UTC()
	f.CreatedAt = f.CreatedAt.UTC()
	f.ModifiedAt = f.ModifiedAt.UTC()

	return &f, nil
}

// FeedRepository handles database operations for feeds
type FeedRepository struct {
	q Querier
}

// NewFeedRepository creates a new feed repository
func NewFeedRepository(q Querier) *FeedRepository {
	return &FeedRepository{q: q}
}

// CreateFeed inserts f unless a feed with the same URL exists. It returns
// the stored feed and whether it was created by this call.
func (r *FeedRepository) CreateFeed(ctx context.Context, f Feed) (*Feed, bool, error) {
	if f.UUID == uuid.Nil {
		f.UUID = uuid.New()
	}

	var id int64
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO feeds (
			uuid, url, title, home_url, published_at, updated_at, last_successful_fetch_at,
			next_fetch_at, next_archive_sweep_at, error_count, created_at, modified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11)
		ON CONFLICT (url) DO NOTHING
		RETURNING id
	`, f.UUID, f.URL, f.Title, nullString(f.HomeURL), Timestamp(f.PublishedAt), timestampPtr(f.UpdatedAt),
		timestampPtr(f.LastSuccessfulFetchAt), Timestamp(f.NextFetchAt), Timestamp(f.NextArchiveSweepAt),
		Timestamp(f.CreatedAt), Timestamp(f.ModifiedAt)).Scan(&id)

	created := true
	if errors.Is(err, sql.ErrNoRows) {
		created = false
		existing, err := r.GetFeedByURL(ctx, f.URL)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing feed: %w", err)
		}
		return existing, created, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create feed: %w", err)
	}

	stored, err := r.GetFeedByID(ctx, id)
	if err != nil {
		return nil, false, err
	}

	return stored, created, nil
}

func (r *FeedRepository) GetFeedByID(ctx context.Context, id int64) (*Feed, error) {
	return r.getFeed(ctx, "id = $1", id)
}

func (r *FeedRepository) GetFeedByUUID(ctx context.Context, id uuid.UUID) (*Feed, error) {
	return r.getFeed(ctx, "uuid = $1", id)
}

func (r *FeedRepository) GetFeedByURL(ctx context.Context, url string) (*Feed, error) {
	return r.getFeed(ctx, "url = $1", url)
}

func (r *FeedRepository) getFeed(ctx context.Context, where string, arg any) (*Feed, error) {
	f, err := scanFeed(r.q.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return f, nil
}

// SaveFeed writes the fetch-owned columns of f back to the store. The
// archive clock is left alone since it is claimed independently.
func (r *FeedRepository) SaveFeed(ctx context.Context, f *Feed) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE feeds
		SET title = $2, home_url = $3, published_at = $4, updated_at = $5,
			last_successful_fetch_at = $6, next_fetch_at = $7,
			last_error = $8, error_count = $9, modified_at = $10
		WHERE id = $1
	`, f.ID, f.Title, nullString(f.HomeURL), Timestamp(f.PublishedAt), timestampPtr(f.UpdatedAt),
		timestampPtr(f.LastSuccessfulFetchAt), Timestamp(f.NextFetchAt),
		nullString(f.LastError), f.ErrorCount, Timestamp(f.ModifiedAt))
	if err != nil {
		return fmt.Errorf("failed to save feed: %w", err)
	}

	return checkAffected(res, "feed", f.ID)
}

func (r *FeedRepository) SetNextArchiveSweep(ctx context.Context, id int64, next, now time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE feeds SET next_archive_sweep_at = $2, modified_at = $3 WHERE id = $1
	`, id, Timestamp(next), Timestamp(now))
	if err != nil {
		return fmt.Errorf("failed to set next archive sweep: %w", err)
	}

	return checkAffected(res, "feed", id)
}

func checkAffected(res sql.Result, what string, id int64) error {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to save %s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func (r *FeedRepository) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	var s Stats

	err := r.q.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN next_fetch_at <= $1 THEN 1 END),
			COUNT(CASE WHEN error_count > 0 THEN 1 END)
		FROM feeds
	`, Timestamp(now)).Scan(&s.Feeds, &s.DueFeeds, &s.FailingFeeds)
	if err != nil {
		return nil, fmt.Errorf("failed to get feed stats: %w", err)
	}

	err = r.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(CASE WHEN is_archived THEN 1 END) FROM entries
	`).Scan(&s.Entries, &s.ArchivedEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to get entry stats: %w", err)
	}

	return &s, nil
}
