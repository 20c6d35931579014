package tasks

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lysyi3m/feed-poller/app/database"
	"github.com/lysyi3m/feed-poller/app/database/dbtest"
	"github.com/lysyi3m/feed-poller/app/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createFreshFeed(t *testing.T, db *database.DB, url string, at time.Time) *database.Feed {
	t.Helper()

	f, ok, err := database.NewFeedRepository(db).CreateFeed(context.Background(), database.Feed{
		URL:                url,
		Title:              url,
		PublishedAt:        at,
		NextFetchAt:        at,
		NextArchiveSweepAt: at,
		CreatedAt:          at,
		ModifiedAt:         at,
	})
	require.NoError(t, err)
	require.True(t, ok)
	return f
}

func claimDue(t *testing.T, db *database.DB, at time.Time) *database.Claim {
	t.Helper()

	claim, err := db.ClaimNextDue(context.Background(), database.FetchClock, at)
	require.NoError(t, err)
	require.NotNil(t, claim, "expected a due feed at %s", at)
	return claim
}

func TestWorkerProcessSuccess(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewSQLite(t)
	srv := newFeedServer(t, http.StatusOK, rssFeed)
	w := newTestWorker(t, db, srv.Client(), fixed(now))

	f := dbtest.CreateFeed(t, db, srv.URL+"/feed.xml", now)

	res, err := w.Process(ctx, claimDue(t, db, now))
	require.NoError(t, err)

	assert.Equal(t, feed.Success, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, []State{StateFetching, StateParsing, StateReconciling, StateBackoffComputed, StateDone}, res.States)
	assert.Len(t, res.Report.Inserted, 2)
	assert.Equal(t, now.Add(time.Hour), res.NextFetchAt)

	stored := getFeed(t, db, f.ID)
	assert.Equal(t, "Example Feed", stored.Title)
	assert.Equal(t, "https://example.com/", stored.HomeURL)
	require.NotNil(t, stored.LastSuccessfulFetchAt)
	assert.True(t, stored.LastSuccessfulFetchAt.Equal(now))
	assert.True(t, stored.NextFetchAt.Equal(now.Add(time.Hour)))
	assert.True(t, stored.ModifiedAt.Equal(now))
	assert.Empty(t, stored.LastError)
	assert.Zero(t, stored.ErrorCount)

	count, err := database.NewEntryRepository(db).CountEntries(ctx, f.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestWorkerProcessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewSQLite(t)
	srv := newFeedServer(t, http.StatusOK, rssFeed)
	w := newTestWorker(t, db, srv.Client(), fixed(now))

	f := dbtest.CreateFeed(t, db, srv.URL+"/feed.xml", now)

	_, err := w.Process(ctx, claimDue(t, db, now))
	require.NoError(t, err)

	later := now.Add(2 * time.Hour)
	w.now = fixed(later)
	res, err := w.Process(ctx, claimDue(t, db, later))
	require.NoError(t, err)

	assert.Empty(t, res.Report.Inserted)
	assert.Empty(t, res.Report.Updated)
	assert.Equal(t, 2, res.Report.Unchanged)
	assert.Equal(t, later.Add(time.Hour), res.NextFetchAt)

	count, err := database.NewEntryRepository(db).CountEntries(ctx, f.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestWorkerProcessFailureGrowsBackoff(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewSQLite(t)
	srv := newFeedServer(t, http.StatusServiceUnavailable, "down")
	w := newTestWorker(t, db, srv.Client(), fixed(now))

	f := createFreshFeed(t, db, srv.URL+"/feed.xml", now)

	res, err := w.Process(ctx, claimDue(t, db, now))
	require.NoError(t, err)

	assert.Equal(t, feed.TransientFailure, res.Outcome)
	assert.Equal(t, []State{StateFetching, StateFetchFailed, StateBackoffComputed, StateDone}, res.States)
	assert.Nil(t, res.Report)
	assert.Equal(t, now.Add(60*time.Second), res.NextFetchAt)

	var transportErr *feed.TransportError
	require.True(t, errors.As(res.Err, &transportErr))
	assert.Equal(t, http.StatusServiceUnavailable, transportErr.StatusCode)

	second := now.Add(60 * time.Second)
	w.now = fixed(second)
	res, err = w.Process(ctx, claimDue(t, db, second))
	require.NoError(t, err)

	// 60s doubles to 120s, past the 110s ceiling, so the ceiling is added.
	assert.Equal(t, now.Add(230*time.Second), res.NextFetchAt)

	stored := getFeed(t, db, f.ID)
	assert.True(t, stored.NextFetchAt.Equal(now.Add(230*time.Second)))
	assert.True(t, stored.ModifiedAt.Equal(second))
	assert.Nil(t, stored.LastSuccessfulFetchAt)
	assert.Equal(t, 2, stored.ErrorCount)
	assert.Contains(t, stored.LastError, "503")
}

func TestWorkerProcessPermanentFailure(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewSQLite(t)
	srv := newFeedServer(t, http.StatusNotFound, "missing")
	w := newTestWorker(t, db, srv.Client(), fixed(now))

	createFreshFeed(t, db, srv.URL+"/feed.xml", now)

	res, err := w.Process(ctx, claimDue(t, db, now))
	require.NoError(t, err)

	assert.Equal(t, feed.PermanentFailure, res.Outcome)
	assert.Equal(t, now.Add(60*time.Second), res.NextFetchAt)
}

// rejectedFeed carries an entry the store refuses once rejectEntries is
// installed.
const rejectedFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Rejected Feed</title>
    <link>https://example.com/</link>
    <item>
      <title>Fine post</title>
      <link>https://example.com/posts/1</link>
      <description>This one would be stored on its own.</description>
    </item>
    <item>
      <title>Bad post</title>
      <link>https://example.com/posts/bad</link>
      <description>The store refuses this one.</description>
    </item>
  </channel>
</rss>`

// rejectEntries makes the store refuse any entry whose url ends in /bad,
// the way postgres refuses values it cannot encode or index.
func rejectEntries(t *testing.T, db *database.DB) {
	t.Helper()

	_, err := db.ExecContext(context.Background(), `
		CREATE TRIGGER reject_bad_entries BEFORE INSERT ON entries
		WHEN NEW.url LIKE '%/bad'
		BEGIN SELECT RAISE(ABORT, 'entry rejected'); END`)
	require.NoError(t, err)
}

func TestWorkerProcessRejectedDocument(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewSQLite(t)
	rejectEntries(t, db)
	srv := newFeedServer(t, http.StatusOK, rejectedFeed)
	w := newTestWorker(t, db, srv.Client(), fixed(now))

	f := createFreshFeed(t, db, srv.URL+"/feed.xml", now)

	res, err := w.Process(ctx, claimDue(t, db, now))
	require.NoError(t, err)

	assert.Equal(t, feed.PermanentFailure, res.Outcome)
	assert.Contains(t, res.States, StateParseFailed)
	assert.Equal(t, StateDone, res.States[len(res.States)-1])
	assert.Nil(t, res.Report)
	assert.True(t, database.IsDataError(res.Err))
	assert.Equal(t, now.Add(60*time.Second), res.NextFetchAt)

	stored := getFeed(t, db, f.ID)
	assert.Equal(t, 1, stored.ErrorCount)
	assert.Equal(t, f.Title, stored.Title, "metadata of a rejected document is not applied")
}

func TestWorkerProcessParseFailure(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewSQLite(t)
	srv := newFeedServer(t, http.StatusOK, "this is not a feed")
	w := newTestWorker(t, db, srv.Client(), fixed(now))

	f := createFreshFeed(t, db, srv.URL+"/feed.xml", now)

	res, err := w.Process(ctx, claimDue(t, db, now))
	require.NoError(t, err)

	assert.Equal(t, feed.PermanentFailure, res.Outcome)
	assert.Equal(t, []State{StateFetching, StateParsing, StateParseFailed, StateBackoffComputed, StateDone}, res.States)

	var parseErr *feed.ParseError
	assert.True(t, errors.As(res.Err, &parseErr))

	stored := getFeed(t, db, f.ID)
	assert.Equal(t, 1, stored.ErrorCount)
	assert.True(t, stored.NextFetchAt.Equal(now.Add(60*time.Second)))
}

func TestWorkerSuccessResetsErrors(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewSQLite(t)
	srv := newFeedServer(t, http.StatusBadGateway, "")
	w := newTestWorker(t, db, srv.Client(), fixed(now))

	f := createFreshFeed(t, db, srv.URL+"/feed.xml", now)

	_, err := w.Process(ctx, claimDue(t, db, now))
	require.NoError(t, err)
	require.Equal(t, 1, getFeed(t, db, f.ID).ErrorCount)

	srv.respond(http.StatusOK, rssFeed)
	later := now.Add(time.Minute)
	w.now = fixed(later)
	res, err := w.Process(ctx, claimDue(t, db, later))
	require.NoError(t, err)
	assert.Equal(t, feed.Success, res.Outcome)

	stored := getFeed(t, db, f.ID)
	assert.Zero(t, stored.ErrorCount)
	assert.Empty(t, stored.LastError)
	assert.True(t, stored.NextFetchAt.Equal(later.Add(time.Hour)))
}

func TestWorkerDiscover(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewSQLite(t)
	srv := newFeedServer(t, http.StatusOK, rssFeed)
	w := newTestWorker(t, db, srv.Client(), fixed(now))

	f, err := w.Discover(ctx, srv.URL+"/feed.xml#top")
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/feed.xml", f.URL)
	assert.Equal(t, "Example Feed", f.Title)
	require.NotNil(t, f.LastSuccessfulFetchAt)
	assert.True(t, f.NextFetchAt.Equal(now.Add(time.Hour)))
	assert.True(t, f.NextArchiveSweepAt.Equal(now))

	count, err := database.NewEntryRepository(db).CountEntries(ctx, f.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	again, err := w.Discover(ctx, srv.URL+"/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, f.ID, again.ID)
	assert.Equal(t, 1, srv.hitsFor("/feed.xml"))
}

func TestWorkerDiscoverRejectsInvalidFeed(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewSQLite(t)
	srv := newFeedServer(t, http.StatusOK, "<html><body>hello</body></html>")
	w := newTestWorker(t, db, srv.Client(), fixed(now))

	_, err := w.Discover(ctx, srv.URL+"/page.html")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)

	_, err = database.NewFeedRepository(db).GetFeedByURL(ctx, srv.URL+"/page.html")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abcd", 2))

	s := truncate(strings.Repeat("é", 4), 3)
	assert.Equal(t, "é", s)
}
