package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// lookupChunk bounds the number of bound parameters per IN (...) list.
const lookupChunk = 500

const entryColumns = `id, feed_id, COALESCE(source_id, ''), title, url, content, COALESCE(author_name, ''),
	created_at, updated_at, published_at, is_archived, language, ingested_at`

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                    Entry
		createdAt, updatedAt sql.NullTime
	)

	err := row.Scan(&e.ID, &e.FeedID, &e.SourceID, &e.Title, &e.URL, &e.Content, &e.AuthorName,
		&createdAt, &updatedAt, &e.PublishedAt, &e.IsArchived, &e.Language, &e.IngestedAt)
	if err != nil {
		return nil, err
	}

	e.CreatedAt = optionalTime(createdAt)
	e.UpdatedAt = optionalTime(updatedAt)
	e.PublishedAt = e.PublishedAt.UTC()
	e.IngestedAt = e.IngestedAt.UTC()

	return &e, nil
}

type EntryRepository struct {
	q Querier
}

func NewEntryRepository(q Querier) *EntryRepository {
	return &EntryRepository{q: q}
}

// FindEntriesByURLs returns every entry of the feed whose url is in urls.
func (r *EntryRepository) FindEntriesByURLs(ctx context.Context, feedID int64, urls []string) ([]Entry, error) {
	return r.findIn(ctx, feedID, "url", urls)
}

// FindEntriesBySourceIDs returns every entry of the feed whose source id is in ids.
func (r *EntryRepository) FindEntriesBySourceIDs(ctx context.Context, feedID int64, ids []string) ([]Entry, error) {
	return r.findIn(ctx, feedID, "source_id", ids)
}

func (r *EntryRepository) findIn(ctx context.Context, feedID int64, column string, values []string) ([]Entry, error) {
	var entries []Entry

	for start := 0; start < len(values); start += lookupChunk {
		chunk := values[start:min(start+lookupChunk, len(values))]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, feedID)
		for _, v := range chunk {
			args = append(args, v)
		}

		query := fmt.Sprintf(`SELECT %s FROM entries WHERE feed_id = $1 AND %s IN (%s) ORDER BY id`,
			entryColumns, column, placeholders(2, len(chunk)))

		found, err := r.query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to find entries by %s: %w", column, err)
		}
		entries = append(entries, found...)
	}

	return entries, nil
}

// ListActiveEntries returns the feed's non-archived entries.
func (r *EntryRepository) ListActiveEntries(ctx context.Context, feedID int64) ([]Entry, error) {
	entries, err := r.query(ctx, `SELECT `+entryColumns+` FROM entries WHERE feed_id = $1 AND NOT is_archived ORDER BY id`, feedID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active entries: %w", err)
	}
	return entries, nil
}

func (r *EntryRepository) GetEntry(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(r.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return e, nil
}

func (r *EntryRepository) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}

	return entries, rows.Err()
}

// UpdateEntry overwrites the mutable fields of an existing entry in place.
func (r *EntryRepository) UpdateEntry(ctx context.Context, e Entry) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE entries
		SET source_id = $2, title = $3, content = $4, author_name = $5,
			created_at = $6, updated_at = $7, language = $8
		WHERE id = $1
	`, e.ID, nullString(e.SourceID), e.Title, e.Content, nullString(e.AuthorName),
		timestampPtr(e.CreatedAt), timestampPtr(e.UpdatedAt), e.Language)
	if err != nil {
		return fmt.Errorf("failed to update entry %d: %w", e.ID, err)
	}
	return nil
}

// InsertEntries inserts entries with a single prepared statement. Rows that
// collide with the uniqueness indexes are skipped and counted as conflicts.
func (r *EntryRepository) InsertEntries(ctx context.Context, entries []Entry) ([]Entry, int, error) {
	if len(entries) == 0 {
		return nil, 0, nil
	}

	stmt, err := r.q.PrepareContext(ctx, `
		INSERT INTO entries (
			feed_id, source_id, title, url, content, author_name,
			created_at, updated_at, published_at, is_archived, language, ingested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING
		RETURNING id
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to prepare entry insert: %w", err)
	}
	defer stmt.Close()

	inserted := make([]Entry, 0, len(entries))
	conflicts := 0

	for _, e := range entries {
		err := stmt.QueryRowContext(ctx, e.FeedID, nullString(e.SourceID), e.Title, e.URL, e.Content,
			nullString(e.AuthorName), timestampPtr(e.CreatedAt), timestampPtr(e.UpdatedAt),
			Timestamp(e.PublishedAt), e.IsArchived, e.Language, Timestamp(e.IngestedAt)).Scan(&e.ID)
		if errors.Is(err, sql.ErrNoRows) {
			conflicts++
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to insert entry %q: %w", e.URL, err)
		}
		inserted = append(inserted, e)
	}

	return inserted, conflicts, nil
}

// ArchiveEntries flips is_archived on ids and drops every read mapping that
// points at them.
func (r *EntryRepository) ArchiveEntries(ctx context.Context, ids []int64) (int64, error) {
	var archived int64

	for start := 0; start < len(ids); start += lookupChunk {
		chunk := ids[start:min(start+lookupChunk, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		in := placeholders(1, len(chunk))

		res, err := r.q.ExecContext(ctx, `UPDATE entries SET is_archived = TRUE WHERE NOT is_archived AND id IN (`+in+`)`, args...)
		if err != nil {
			return archived, fmt.Errorf("failed to archive entries: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return archived, fmt.Errorf("failed to count archived entries: %w", err)
		}
		archived += n

		if _, err := r.q.ExecContext(ctx, `DELETE FROM read_entries WHERE entry_id IN (`+in+`)`, args...); err != nil {
			return archived, fmt.Errorf("failed to clear read state of archived entries: %w", err)
		}
	}

	return archived, nil
}

func (r *EntryRepository) CountEntries(ctx context.Context, feedID int64, archived bool) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE feed_id = $1 AND is_archived = $2`, feedID, archived).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}
