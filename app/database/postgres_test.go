package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/lysyi3m/feed-poller/app/database"
	"github.com/lysyi3m/feed-poller/app/database/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresSkipLocked(t *testing.T) {
	db := dbtest.NewPostgres(t)
	ctx := context.Background()

	a := dbtest.CreateFeed(t, db, "https://example.com/a.xml", now.Add(-time.Hour))
	b := dbtest.CreateFeed(t, db, "https://example.com/b.xml", now.Add(-time.Minute))

	first, err := db.ClaimNextDue(ctx, database.FetchClock, now)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, a.ID, first.Feed.ID)

	// The second claim must skip the locked row instead of waiting on it.
	second, err := db.ClaimNextDue(ctx, database.FetchClock, now)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, b.ID, second.Feed.ID)

	none, err := db.ClaimNextDue(ctx, database.FetchClock, now)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Release(ctx))

	again, err := db.ClaimFeed(ctx, database.FetchClock, a.ID)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.NoError(t, again.Release(ctx))
}
