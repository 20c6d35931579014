package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UserRepository owns users, their subscriptions and their read mappings.
type UserRepository struct {
	q Querier
}

func NewUserRepository(q Querier) *UserRepository {
	return &UserRepository{q: q}
}

func (r *UserRepository) CreateUser(ctx context.Context, createdAt time.Time) (*User, error) {
	u := User{CreatedAt: Timestamp(createdAt)}

	err := r.q.QueryRowContext(ctx, `INSERT INTO users (created_at) VALUES ($1) RETURNING id`, u.CreatedAt).Scan(&u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return &u, nil
}

func (r *UserRepository) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User

	err := r.q.QueryRowContext(ctx, `SELECT id, created_at FROM users WHERE id = $1`, id).Scan(&u.ID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()

	return &u, nil
}

// Subscribe records the subscription and reports whether it is new.
func (r *UserRepository) Subscribe(ctx context.Context, userID, feedID int64, now time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, feed_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, feed_id) DO NOTHING
	`, userID, feedID, Timestamp(now))
	if err != nil {
		return false, fmt.Errorf("failed to subscribe user %d to feed %d: %w", userID, feedID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check subscription insert: %w", err)
	}

	return n > 0, nil
}

// MarkRead inserts read mappings, ignoring ones that already exist.
func (r *UserRepository) MarkRead(ctx context.Context, userID int64, entryIDs []int64, now time.Time) (int64, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}

	stmt, err := r.q.PrepareContext(ctx, `
		INSERT INTO read_entries (user_id, entry_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, entry_id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare read mapping insert: %w", err)
	}
	defer stmt.Close()

	var marked int64
	for _, id := range entryIDs {
		res, err := stmt.ExecContext(ctx, userID, id, Timestamp(now))
		if err != nil {
			return marked, fmt.Errorf("failed to mark entry %d read: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			marked += n
		}
	}

	return marked, nil
}

// ReadEntryIDs returns the ids of the feed's entries the user has read.
func (r *UserRepository) ReadEntryIDs(ctx context.Context, userID, feedID int64) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT r.entry_id
		FROM read_entries r
		JOIN entries e ON e.id = r.entry_id
		WHERE r.user_id = $1 AND e.feed_id = $2
		ORDER BY r.entry_id
	`, userID, feedID)
	if err != nil {
		return nil, fmt.Errorf("failed to list read entries: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan read entry: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (r *UserRepository) CountUnread(ctx context.Context, userID, feedID int64) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM entries e
		WHERE e.feed_id = $2 AND NOT e.is_archived
		AND NOT EXISTS (SELECT 1 FROM read_entries r WHERE r.entry_id = e.id AND r.user_id = $1)
	`, userID, feedID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread entries: %w", err)
	}
	return n, nil
}

func (r *UserRepository) CountReadMappings(ctx context.Context, entryIDs []int64) (int, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}

	args := make([]any, len(entryIDs))
	for i, id := range entryIDs {
		args[i] = id
	}

	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM read_entries WHERE entry_id IN (`+placeholders(1, len(entryIDs))+`)`, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count read mappings: %w", err)
	}
	return n, nil
}
