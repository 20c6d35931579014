package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lysyi3m/feed-poller/app/backoff"
	"github.com/lysyi3m/feed-poller/app/cfg"
	"github.com/lysyi3m/feed-poller/app/database/dbtest"
	"github.com/lysyi3m/feed-poller/app/feed"
	"github.com/lysyi3m/feed-poller/app/reconcile"
	"github.com/lysyi3m/feed-poller/app/subscription"
	"github.com/lysyi3m/feed-poller/app/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "secret"

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
      <description>The quick brown fox jumps over the lazy dog.</description>
    </item>
    <item>
      <title>Second post</title>
      <link>https://example.com/posts/2</link>
      <guid>post-2</guid>
      <pubDate>Fri, 01 Mar 2024 11:00:00 GMT</pubDate>
      <description>A second article about feeds and schedules.</description>
    </item>
  </channel>
</rss>`

type testEnv struct {
	router *gin.Engine
	feeds  *httptest.Server
}

func newTestEnv(t *testing.T, key string) *testEnv {
	t.Helper()

	feeds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.xml" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssFeed))
	}))
	t.Cleanup(feeds.Close)

	db := dbtest.NewSQLite(t)
	config := cfg.SchedulerConfig{
		Count:           10,
		Workers:         1,
		SuccessBackoff:  time.Hour,
		MinErrorBackoff: time.Minute,
		MaxErrorBackoff: time.Hour,
		GraceInterval:   -7 * 24 * time.Hour,
		GraceMinCount:   1,
	}

	policy, err := backoff.NewFromConfig(config)
	require.NoError(t, err)

	fetcher := feed.NewFetcher(feeds.Client(), nil, "feed-poller-test/1.0", 5*time.Second, 1<<20)
	worker := tasks.NewWorker(db, fetcher, feed.NewParser(feed.NewSanitizer()), reconcile.New(feed.NewLanguageDetector()), policy)
	scheduler := tasks.NewScheduler(db, worker, config)

	handler := NewHandler(db, worker, scheduler, subscription.NewService(db, config))
	return &testEnv{router: NewServer(handler, key), feeds: feeds}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" && bytes.HasPrefix(bytes.TrimSpace(w.Body.Bytes()), []byte("{")) {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestHealthAndStats(t *testing.T) {
	env := newTestEnv(t, "")

	w, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, body = env.do(t, http.MethodGet, "/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["feeds"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	w, _ := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAPIDisabledWithoutKey(t *testing.T) {
	env := newTestEnv(t, "")

	w, _ := env.do(t, http.MethodPost, "/api/feeds", gin.H{"url": env.feeds.URL + "/feed.xml"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, apiKey)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong key", header: "X-API-Key", value: "nope", want: http.StatusUnauthorized},
		{name: "bearer", header: "Authorization", value: "Bearer " + apiKey, want: http.StatusCreated},
		{name: "header", header: "X-API-Key", value: apiKey, want: http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/users", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}

			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestFeedLifecycle(t *testing.T) {
	env := newTestEnv(t, apiKey)

	w, created := env.do(t, http.MethodPost, "/api/feeds", gin.H{"url": env.feeds.URL + "/feed.xml"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Example Feed", created["title"])

	id, ok := created["uuid"].(string)
	require.True(t, ok)

	w, details := env.do(t, http.MethodGet, "/api/feeds/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, details["active_entries"])
	assert.EqualValues(t, 0, details["archived_entries"])

	w, fetched := env.do(t, http.MethodPost, "/api/feeds/"+id+"/fetch", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", fetched["outcome"])
	assert.EqualValues(t, 0, fetched["inserted"])

	w, _ = env.do(t, http.MethodGet, "/api/feeds/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodGet, "/api/feeds/00000000-0000-0000-0000-000000000001", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateFeedErrors(t *testing.T) {
	env := newTestEnv(t, apiKey)

	w, _ := env.do(t, http.MethodPost, "/api/feeds", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/feeds", gin.H{"url": "ftp://example.com/feed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/feeds", gin.H{"url": env.feeds.URL + "/missing.xml"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSubscribe(t *testing.T) {
	env := newTestEnv(t, apiKey)

	w, user := env.do(t, http.MethodPost, "/api/users", gin.H{"created_at": "2024-03-01T12:00:00Z"})
	require.Equal(t, http.StatusCreated, w.Code)
	userID := user["id"]

	req := gin.H{"user_id": userID, "feed_url": env.feeds.URL + "/feed.xml"}
	w, res := env.do(t, http.MethodPost, "/api/subscriptions", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, true, res["subscribed"])
	assert.EqualValues(t, 2, res["unread"])

	w, res = env.do(t, http.MethodPost, "/api/subscriptions", gin.H{"user_id": userID, "feed_id": res["feed_id"]})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, res["subscribed"])

	w, _ = env.do(t, http.MethodPost, "/api/subscriptions", gin.H{"user_id": 999, "feed_id": res["feed_id"]})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/subscriptions", gin.H{"user_id": userID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
