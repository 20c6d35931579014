package tasks

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/lysyi3m/feed-poller/app/backoff"
	"github.com/lysyi3m/feed-poller/app/database"
	"github.com/lysyi3m/feed-poller/app/feed"
	"github.com/lysyi3m/feed-poller/app/reconcile"
)

type State string

const (
	StateFetching        State = "fetching"
	StateParsing         State = "parsing"
	StateReconciling     State = "reconciling"
	StateFetchFailed     State = "fetch_failed"
	StateParseFailed     State = "parse_failed"
	StateBackoffComputed State = "backoff_computed"
	StateDone            State = "done"
)

const maxErrorLength = 1024

// Result describes one completed feed tick. Err holds the absorbed per-feed
// failure, if any.
type Result struct {
	FeedID      int64
	URL         string
	Outcome     feed.OutcomeKind
	States      []State
	Report      *reconcile.Report
	NextFetchAt time.Time
	Err         error
}

func (r *Result) enter(s State) {
	r.States = append(r.States, s)
}

// Worker runs the fetch, parse, reconcile and backoff steps for claimed feeds.
type Worker struct {
	db         *database.DB
	fetcher    Fetcher
	parser     DocumentParser
	reconciler *reconcile.Reconciler
	policy     *backoff.Policy
	now        func() time.Time
}

func NewWorker(db *database.DB, fetcher Fetcher, parser DocumentParser, reconciler *reconcile.Reconciler, policy *backoff.Policy) *Worker {
	return &Worker{
		db:         db,
		fetcher:    fetcher,
		parser:     parser,
		reconciler: reconciler,
		policy:     policy,
		now:        time.Now,
	}
}

func (w *Worker) clock() time.Time {
	return database.Timestamp(w.now())
}

type FetchFeedTask struct {
	Task
	claim  *database.Claim
	worker *Worker
}

func NewFetchFeedTask(claim *database.Claim, worker *Worker) *FetchFeedTask {
	return &FetchFeedTask{
		Task:   NewTask(TaskTypeFetchFeed, claim.Feed.URL),
		claim:  claim,
		worker: worker,
	}
}

// Execute runs one tick for the claimed feed. Fetch and parse failures are
// recorded on the feed and in the result; only store errors are returned.
func (t *FetchFeedTask) Execute(ctx context.Context) (*Result, error) {
	t.Start()

	f := t.claim.Feed
	res := &Result{FeedID: f.ID, URL: f.URL}

	res.enter(StateFetching)
	out := t.worker.fetcher.Fetch(ctx, f.URL)

	var doc *feed.Document
	if out.Kind == feed.Success {
		res.enter(StateParsing)
		parsed, err := t.worker.parser.Run(out.Body)
		if err != nil {
			res.enter(StateParseFailed)
			res.Outcome = feed.PermanentFailure
			res.Err = err
		} else {
			res.Outcome = feed.Success
			doc = parsed
		}
	} else {
		res.enter(StateFetchFailed)
		res.Outcome = out.Kind
		res.Err = out.Err
	}

	if err := t.worker.commit(ctx, t.claim, doc, res); err != nil {
		return nil, fmt.Errorf("%w: failed to save feed %s: %w", ErrStoreUnavailable, f.URL, err)
	}

	res.enter(StateDone)
	t.record(res)

	return res, nil
}

func (t *FetchFeedTask) record(res *Result) {
	duration := t.GetDuration()
	fetchTotal.WithLabelValues(res.Outcome.String()).Inc()
	fetchDuration.WithLabelValues(res.Outcome.String()).Observe(duration.Seconds())

	if res.Err != nil {
		slog.Warn("Feed fetch failed",
			"id", t.ID,
			"feed", res.URL,
			"outcome", res.Outcome.String(),
			"next_fetch_at", res.NextFetchAt,
			"error", res.Err)
		return
	}

	entriesTotal.WithLabelValues("inserted").Add(float64(len(res.Report.Inserted)))
	entriesTotal.WithLabelValues("updated").Add(float64(len(res.Report.Updated)))
	entriesTotal.WithLabelValues("skipped").Add(float64(res.Report.Skipped))
	entriesTotal.WithLabelValues("conflict").Add(float64(res.Report.Conflicts))

	slog.Info("Task completed",
		"type", string(t.Type),
		"id", t.ID,
		"feed", res.URL,
		"duration", duration,
		"inserted", len(res.Report.Inserted),
		"updated", len(res.Report.Updated),
		"unchanged", res.Report.Unchanged,
		"skipped", res.Report.Skipped,
		"next_fetch_at", res.NextFetchAt)
}

// Process runs one tick for a feed claimed on the fetch clock.
func (w *Worker) Process(ctx context.Context, claim *database.Claim) (*Result, error) {
	return NewFetchFeedTask(claim, w).Execute(ctx)
}

// commit writes the tick's outcome in the claim's transaction, releasing
// the claim. doc is nil when the fetch or parse failed. A document whose
// data the store rejects is recorded as a permanent failure instead.
func (w *Worker) commit(ctx context.Context, claim *database.Claim, doc *feed.Document, res *Result) error {
	now := w.clock()

	f, err := w.save(ctx, claim, doc, res, now)
	if err != nil && doc != nil && database.IsDataError(err) {
		res.enter(StateParseFailed)
		res.Outcome = feed.PermanentFailure
		res.Report = nil
		res.Err = fmt.Errorf("failed to store feed document: %w", err)

		f, err = w.save(ctx, claim, nil, res, now)
	}
	if err != nil {
		if releaseErr := claim.Release(ctx); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		return err
	}

	res.NextFetchAt = f.NextFetchAt
	return nil
}

func (w *Worker) save(ctx context.Context, claim *database.Claim, doc *feed.Document, res *Result, now time.Time) (*database.Feed, error) {
	f := claim.Feed

	err := claim.Commit(ctx, func(q database.Querier) error {
		if doc != nil {
			res.enter(StateReconciling)
			report, err := w.reconciler.Run(ctx, database.NewEntryRepository(q), f.ID, doc, now)
			if err != nil {
				return err
			}
			res.Report = report

			applyMetadata(&f, doc)
			f.LastSuccessfulFetchAt = &now
			f.NextFetchAt = w.policy.OnSuccess(now)
			f.LastError = ""
			f.ErrorCount = 0
		} else {
			f.NextFetchAt = w.policy.OnFailure(f.LastWriteAt(), f.NextFetchAt)
			f.LastError = truncate(res.Err.Error(), maxErrorLength)
			f.ErrorCount++
		}
		res.enter(StateBackoffComputed)

		f.ModifiedAt = now
		return database.NewFeedRepository(q).SaveFeed(ctx, &f)
	})

	return &f, err
}

// Discover registers rawURL as a feed after a first successful fetch and
// parse, and stores the entries of that first document. A known URL
// returns the existing feed untouched.
func (w *Worker) Discover(ctx context.Context, rawURL string) (*database.Feed, error) {
	url, err := feed.CanonicalURL(rawURL)
	if err != nil {
		return nil, err
	}

	task := NewTask(TaskTypeDiscoverFeed, url)
	task.Start()

	repo := database.NewFeedRepository(w.db)
	existing, err := repo.GetFeedByURL(ctx, url)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	out := w.fetcher.Fetch(ctx, url)
	if out.Kind != feed.Success {
		fetchTotal.WithLabelValues(out.Kind.String()).Inc()
		return nil, fmt.Errorf("failed to fetch new feed: %w", out.Err)
	}

	doc, err := w.parser.Run(out.Body)
	if err != nil {
		fetchTotal.WithLabelValues(feed.PermanentFailure.String()).Inc()
		return nil, fmt.Errorf("failed to parse new feed: %w", err)
	}

	now := w.clock()
	candidate := database.Feed{
		URL:                url,
		PublishedAt:        now,
		NextFetchAt:        now,
		NextArchiveSweepAt: now,
		CreatedAt:          now,
		ModifiedAt:         now,
	}
	applyMetadata(&candidate, doc)

	created, isNew, err := repo.CreateFeed(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !isNew {
		return created, nil
	}

	claim, err := w.db.ClaimFeed(ctx, database.FetchClock, created.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if claim == nil {
		return created, nil
	}

	res := &Result{FeedID: created.ID, URL: url, Outcome: feed.Success}
	if err := w.commit(ctx, claim, doc, res); err != nil {
		return nil, fmt.Errorf("%w: failed to store first entries of %s: %w", ErrStoreUnavailable, url, err)
	}
	if res.Err != nil {
		fetchTotal.WithLabelValues(res.Outcome.String()).Inc()
		slog.Warn("Feed registered without entries", "feed", url, "next_fetch_at", res.NextFetchAt, "error", res.Err)
		return repo.GetFeedByID(ctx, created.ID)
	}
	fetchTotal.WithLabelValues(feed.Success.String()).Inc()
	entriesTotal.WithLabelValues("inserted").Add(float64(len(res.Report.Inserted)))

	slog.Info("Task completed",
		"type", string(task.Type),
		"id", task.ID,
		"feed", url,
		"duration", task.GetDuration(),
		"inserted", len(res.Report.Inserted),
		"next_fetch_at", res.NextFetchAt)

	return repo.GetFeedByID(ctx, created.ID)
}

func applyMetadata(f *database.Feed, doc *feed.Document) {
	f.Title = cmp.Or(doc.Title, f.Title, f.URL)
	f.HomeURL = cmp.Or(doc.Link, f.HomeURL)
	if doc.PublishedAt != nil {
		f.PublishedAt = *doc.PublishedAt
	}
	f.UpdatedAt = doc.UpdatedAt
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
