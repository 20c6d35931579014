// Package reconcile merges a parsed feed document into the stored entries
// of one feed without creating duplicates.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/feed-poller/app/database"
	"github.com/lysyi3m/feed-poller/app/feed"
)

type Store interface {
	FindEntriesByURLs(ctx context.Context, feedID int64, urls []string) ([]database.Entry, error)
	FindEntriesBySourceIDs(ctx context.Context, feedID int64, ids []string) ([]database.Entry, error)
	UpdateEntry(ctx context.Context, e database.Entry) error
	InsertEntries(ctx context.Context, entries []database.Entry) ([]database.Entry, int, error)
}

var _ Store = (*database.EntryRepository)(nil)

type Report struct {
	Inserted  []database.Entry
	Updated   []database.Entry
	Unchanged int
	Skipped   int // Documents missing title, link or content
	Conflicts int // Inserts dropped by the uniqueness indexes
}

type Reconciler struct {
	detector feed.LanguageDetector
}

func New(detector feed.LanguageDetector) *Reconciler {
	return &Reconciler{detector: detector}
}

// index holds the stored entries a document can match.
type index struct {
	byRevision map[string]*database.Entry // url + updated_at
	byURL      map[string]*database.Entry // undated, by url
	bySourceID map[string]*database.Entry // undated, by source id
}

func newIndex(entries []database.Entry) *index {
	idx := &index{
		byRevision: make(map[string]*database.Entry),
		byURL:      make(map[string]*database.Entry),
		bySourceID: make(map[string]*database.Entry),
	}
	seen := make(map[int64]bool, len(entries))
	for i := range entries {
		if seen[entries[i].ID] {
			continue
		}
		seen[entries[i].ID] = true
		idx.add(&entries[i])
	}
	return idx
}

func (idx *index) add(e *database.Entry) {
	if e.UpdatedAt != nil {
		idx.byRevision[revisionKey(e.URL, *e.UpdatedAt)] = e
		return
	}
	if _, ok := idx.byURL[e.URL]; !ok {
		idx.byURL[e.URL] = e
	}
	if e.SourceID != "" {
		if _, ok := idx.bySourceID[e.SourceID]; !ok {
			idx.bySourceID[e.SourceID] = e
		}
	}
}

func (idx *index) lookup(k Key) *database.Entry {
	switch k.Kind {
	case ByURLAndUpdatedAt:
		return idx.byRevision[revisionKey(k.URL, k.UpdatedAt)]
	case ByStableID:
		if e, ok := idx.bySourceID[k.SourceID]; ok {
			return e
		}
		return idx.byURL[k.URL]
	default:
		return idx.byURL[k.URL]
	}
}

// Run reconciles doc against the entries of feedID. Invalid documents are
// skipped; the rest are updated in place or inserted in one batch.
func (r *Reconciler) Run(ctx context.Context, store Store, feedID int64, doc *feed.Document, now time.Time) (*Report, error) {
	report := &Report{}

	type candidate struct {
		doc feed.EntryDocument
		key Key
	}

	candidates := make([]candidate, 0, len(doc.Entries))
	var urls, sourceIDs []string
	seenURL := make(map[string]bool)

	for _, d := range doc.Entries {
		if d.Title == "" || d.Link == "" || d.Content == "" {
			report.Skipped++
			slog.Debug("Entry skipped", "feed_id", feedID, "link", d.Link, "reason", "missing title, link or content")
			continue
		}

		key := KeyFor(d)
		candidates = append(candidates, candidate{doc: d, key: key})

		if !seenURL[d.Link] {
			seenURL[d.Link] = true
			urls = append(urls, d.Link)
		}
		if key.Kind == ByStableID {
			sourceIDs = append(sourceIDs, key.SourceID)
		}
	}

	if len(candidates) == 0 {
		return report, nil
	}

	existing, err := store.FindEntriesByURLs(ctx, feedID, urls)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing entries: %w", err)
	}
	if len(sourceIDs) > 0 {
		bySource, err := store.FindEntriesBySourceIDs(ctx, feedID, sourceIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing entries: %w", err)
		}
		existing = append(existing, bySource...)
	}

	idx := newIndex(existing)

	var staged []database.Entry
	stagedKeys := make(map[string]bool)

	for _, c := range candidates {
		if match := idx.lookup(c.key); match != nil {
			updated, changed := r.merge(*match, c.doc)
			if !changed {
				report.Unchanged++
				continue
			}

			if err := store.UpdateEntry(ctx, updated); err != nil {
				return nil, fmt.Errorf("failed to update entry: %w", err)
			}
			*match = updated
			report.Updated = append(report.Updated, updated)
			continue
		}

		if stagedKeys[c.key.String()] {
			report.Unchanged++
			continue
		}
		stagedKeys[c.key.String()] = true
		staged = append(staged, r.newEntry(feedID, c.doc, now))
	}

	inserted, conflicts, err := store.InsertEntries(ctx, staged)
	if err != nil {
		return nil, fmt.Errorf("failed to insert entries: %w", err)
	}
	if conflicts > 0 {
		slog.Debug("Concurrent inserts absorbed", "feed_id", feedID, "conflicts", conflicts)
	}

	report.Inserted = inserted
	report.Conflicts = conflicts

	return report, nil
}

func (r *Reconciler) newEntry(feedID int64, d feed.EntryDocument, now time.Time) database.Entry {
	published := now
	if d.PublishedAt != nil {
		published = *d.PublishedAt
	}

	return database.Entry{
		FeedID:      feedID,
		SourceID:    d.ID,
		Title:       d.Title,
		URL:         d.Link,
		Content:     d.Content,
		AuthorName:  d.Author,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		PublishedAt: published,
		Language:    feed.EntryLanguage(r.detector, d.Title, d.Content),
		IngestedAt:  now,
	}
}

// merge overwrites the mutable fields of e with d. Language is detected
// again only when the title or content changed.
func (r *Reconciler) merge(e database.Entry, d feed.EntryDocument) (database.Entry, bool) {
	updated := e
	if d.ID != "" {
		updated.SourceID = d.ID
	}
	updated.Title = d.Title
	updated.Content = d.Content
	updated.AuthorName = d.Author
	updated.CreatedAt = d.CreatedAt
	updated.UpdatedAt = d.UpdatedAt

	textChanged := updated.Title != e.Title || updated.Content != e.Content
	changed := textChanged ||
		updated.SourceID != e.SourceID ||
		updated.AuthorName != e.AuthorName ||
		!sameTime(updated.CreatedAt, e.CreatedAt) ||
		!sameTime(updated.UpdatedAt, e.UpdatedAt)

	if textChanged {
		updated.Language = feed.EntryLanguage(r.detector, updated.Title, updated.Content)
	}

	return updated, changed
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
