package tasks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/feed-poller/app/backoff"
	"github.com/lysyi3m/feed-poller/app/cfg"
	"github.com/lysyi3m/feed-poller/app/database"
	"github.com/lysyi3m/feed-poller/app/feed"
	"github.com/lysyi3m/feed-poller/app/reconcile"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const rssFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Feed</title>
    <link>https://example.com/</link>
    <item>
      <title>First post</title>
      <link>https://example.com/posts/1</link>
      <guid>post-1</guid>
      <pubDate>Fri, 01 Mar 2024 10:00:00 GMT</pubDate>
      <description>The quick brown fox jumps over the lazy dog near the river bank.</description>
    </item>
    <item>
      <title>Second post</title>
      <link>https://example.com/posts/2</link>
      <guid>post-2</guid>
      <pubDate>Fri, 01 Mar 2024 11:00:00 GMT</pubDate>
      <description>A second article about feeds, schedules and the people who read them.</description>
    </item>
  </channel>
</rss>`

// feedServer serves a fixed response and counts requests per path.
type feedServer struct {
	*httptest.Server

	mu        sync.Mutex
	status    int
	body      string
	hits      map[string]int
	onRequest func(path string)
}

func newFeedServer(t *testing.T, status int, body string) *feedServer {
	t.Helper()

	s := &feedServer{status: status, body: body, hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		status, body, hook := s.status, s.body, s.onRequest
		s.mu.Unlock()

		if hook != nil {
			hook(r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/rss+xml")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)

	return s
}

func (s *feedServer) respond(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.body = status, body
}

// during runs fn inside every request, while the fetching worker waits.
func (s *feedServer) during(fn func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRequest = fn
}

func (s *feedServer) hitsFor(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *feedServer) totalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

func testConfig() cfg.SchedulerConfig {
	return cfg.SchedulerConfig{
		Count:                 10,
		Workers:               3,
		SleepInterval:         10 * time.Millisecond,
		ClaimTTL:              time.Minute,
		SuccessBackoff:        time.Hour,
		MinErrorBackoff:       60 * time.Second,
		MaxErrorBackoff:       110 * time.Second,
		FetchTimeout:          5 * time.Second,
		MaxResponseBytes:      1 << 20,
		UserAgent:             "feed-poller-test/1.0",
		ArchiveSchedule:       "@every 1m",
		ArchiveBackoff:        24 * time.Hour,
		ArchiveTimeThreshold:  0,
		ArchiveCountThreshold: 3,
		GraceInterval:         -7 * 24 * time.Hour,
		GraceMinCount:         5,
	}
}

func newTestWorker(t *testing.T, db *database.DB, client *http.Client, at func() time.Time) *Worker {
	t.Helper()

	config := testConfig()
	policy, err := backoff.NewFromConfig(config)
	require.NoError(t, err)

	fetcher := feed.NewFetcher(client, nil, config.UserAgent, config.FetchTimeout, config.MaxResponseBytes)
	parser := feed.NewParser(feed.NewSanitizer())

	w := NewWorker(db, fetcher, parser, reconcile.New(feed.NewLanguageDetector()), policy)
	w.now = at
	return w
}

func fixed(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func getFeed(t *testing.T, db *database.DB, id int64) *database.Feed {
	t.Helper()

	f, err := database.NewFeedRepository(db).GetFeedByID(context.Background(), id)
	require.NoError(t, err)
	return f
}
