// Package dbtest provides migrated throwaway stores for tests.
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lysyi3m/feed-poller/app/database"
	"github.com/stretchr/testify/require"
)

// NewSQLite opens a migrated sqlite store in a temporary directory.
func NewSQLite(t testing.TB) *database.DB {
	t.Helper()
	return OpenSQLite(t, filepath.Join(t.TempDir(), "feeds.db"))
}

// OpenSQLite opens (and migrates) the sqlite file at path. Opening the same
// path twice gives two independent handles, like two processes would have.
func OpenSQLite(t testing.TB, path string) *database.DB {
	t.Helper()

	db, err := database.Open(context.Background(), database.SQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, _, err = database.RunMigrations(db)
	require.NoError(t, err)

	return db
}

// NewPostgres opens the database named by TEST_DATABASE_URL, skipping the
// test when it is not set. Tables are truncated before use.
func NewPostgres(t testing.TB) *database.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.Open(context.Background(), database.Postgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, _, err = database.RunMigrations(db)
	require.NoError(t, err)

	_, err = db.Exec(`TRUNCATE read_entries, subscriptions, users, entries, feeds RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	return db
}

// CreateFeed inserts a feed due at nextFetchAt and returns it.
func CreateFeed(t testing.TB, db *database.DB, url string, nextFetchAt time.Time) *database.Feed {
	t.Helper()

	created := nextFetchAt.Add(-time.Hour)
	f, ok, err := database.NewFeedRepository(db).CreateFeed(context.Background(), database.Feed{
		UUID:               uuid.New(),
		URL:                url,
		Title:              url,
		PublishedAt:        created,
		NextFetchAt:        nextFetchAt,
		NextArchiveSweepAt: nextFetchAt,
		CreatedAt:          created,
		ModifiedAt:         created,
	})
	require.NoError(t, err)
	require.True(t, ok, "feed %s already exists", url)

	return f
}
