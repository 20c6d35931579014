package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lysyi3m/feed-poller/app/cfg"
	"github.com/lysyi3m/feed-poller/app/database"
	"github.com/lysyi3m/feed-poller/app/feed"
	"github.com/lysyi3m/feed-poller/app/tasks"
)

func NewHandler(db *database.DB, discoverer Discoverer, runner FeedRunner, subscriber Subscriber) *Handler {
	return &Handler{
		db:         db,
		discoverer: discoverer,
		runner:     runner,
		subscriber: subscriber,
	}
}

func (h *Handler) HealthCheck(c *gin.Context) {
	health := gin.H{
		"status":    "ok",
		"version":   cfg.GetVersion(),
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
	}

	if err := h.db.PingContext(c.Request.Context()); err != nil {
		slog.Error("Database ping failed", "error", err)
		health["status"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := database.NewFeedRepository(h.db).GetStats(c.Request.Context(), time.Now())
	if err != nil {
		slog.Error("Database error", "operation", "get_stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"feeds":            stats.Feeds,
		"due_feeds":        stats.DueFeeds,
		"failing_feeds":    stats.FailingFeeds,
		"entries":          stats.Entries,
		"archived_entries": stats.ArchivedEntries,
	})
}

func (h *Handler) CreateFeed(c *gin.Context) {
	var req createFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	f, err := h.discoverer.Discover(c.Request.Context(), req.URL)
	if err != nil {
		h.discoverError(c, req.URL, err)
		return
	}

	c.JSON(http.StatusOK, newFeedResponse(f))
}

func (h *Handler) GetFeed(c *gin.Context) {
	f, ok := h.feedFromParam(c)
	if !ok {
		return
	}

	resp := newFeedResponse(f)
	entries := database.NewEntryRepository(h.db)
	if active, err := entries.CountEntries(c.Request.Context(), f.ID, false); err == nil {
		resp.ActiveEntries = &active
	}
	if archived, err := entries.CountEntries(c.Request.Context(), f.ID, true); err == nil {
		resp.ArchivedEntries = &archived
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) FetchFeed(c *gin.Context) {
	f, ok := h.feedFromParam(c)
	if !ok {
		return
	}

	res, err := h.runner.RunFeed(c.Request.Context(), f.ID)
	if errors.Is(err, tasks.ErrFeedBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": "Feed is being processed"})
		return
	}
	if err != nil {
		slog.Error("Feed fetch failed", "feed", f.URL, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	resp := fetchResponse{
		Feed:        f.UUID,
		Outcome:     res.Outcome.String(),
		NextFetchAt: res.NextFetchAt,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	if res.Report != nil {
		resp.Inserted = len(res.Report.Inserted)
		resp.Updated = len(res.Report.Updated)
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
			return
		}
	}

	createdAt := time.Now()
	if req.CreatedAt != nil {
		createdAt = *req.CreatedAt
	}

	user, err := database.NewUserRepository(h.db).CreateUser(c.Request.Context(), createdAt)
	if err != nil {
		slog.Error("Database error", "operation", "create_user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "created_at": user.CreatedAt})
}

func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if (req.FeedID == 0) == (req.FeedURL == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Exactly one of feed_id and feed_url is required"})
		return
	}

	ctx := c.Request.Context()
	feedID := req.FeedID
	if req.FeedURL != "" {
		f, err := h.discoverer.Discover(ctx, req.FeedURL)
		if err != nil {
			h.discoverError(c, req.FeedURL, err)
			return
		}
		feedID = f.ID
	}

	res, err := h.subscriber.Subscribe(ctx, req.UserID, feedID)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User or feed not found"})
		return
	}
	if err != nil {
		slog.Error("Database error", "operation", "subscribe", "user_id", req.UserID, "feed_id", feedID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	status := http.StatusOK
	if res.Subscribed {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (h *Handler) feedFromParam(c *gin.Context) (*database.Feed, bool) {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid feed UUID"})
		return nil, false
	}

	f, err := database.NewFeedRepository(h.db).GetFeedByUUID(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
		return nil, false
	}
	if err != nil {
		slog.Error("Database error", "operation", "get_feed", "uuid", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return nil, false
	}

	return f, true
}

func (h *Handler) discoverError(c *gin.Context, url string, err error) {
	if errors.Is(err, tasks.ErrStoreUnavailable) {
		slog.Error("Database error", "operation", "discover_feed", "url", url, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	if errors.Is(err, feed.ErrInvalidURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid feed URL", "details": err.Error()})
		return
	}

	var parseErr *feed.ParseError
	if errors.As(err, &parseErr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Not a feed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusBadGateway, gin.H{"error": "Feed could not be fetched", "details": err.Error()})
}
