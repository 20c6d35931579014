package feed

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// ParseError reports a structurally malformed feed document.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse feed: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type Parser struct {
	gofeedParser *gofeed.Parser
	sanitizer    *Sanitizer
}

func NewParser(sanitizer *Sanitizer) *Parser {
	return &Parser{
		gofeedParser: gofeed.NewParser(),
		sanitizer:    sanitizer,
	}
}

// Run parses data into a Document. A feed with no items is valid.
func (p *Parser) Run(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{Err: errors.New("empty document")}
	}

	feed, err := p.gofeedParser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	doc := &Document{
		Title:       cleanText(feed.Title),
		Link:        cleanText(feed.Link),
		PublishedAt: normalizeTime(feed.PublishedParsed),
		UpdatedAt:   normalizeTime(feed.UpdatedParsed),
		Entries:     make([]EntryDocument, 0, len(feed.Items)),
	}

	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		doc.Entries = append(doc.Entries, p.normalizeItem(item))
	}

	return doc, nil
}

func (p *Parser) normalizeItem(item *gofeed.Item) EntryDocument {
	entry := EntryDocument{
		ID:          cleanText(item.GUID),
		Title:       cleanText(item.Title),
		Link:        cleanText(item.Link),
		Author:      p.extractAuthor(item),
		PublishedAt: normalizeTime(item.PublishedParsed),
		UpdatedAt:   normalizeTime(item.UpdatedParsed),
		Tags:        item.Categories,
	}

	if entry.Link == "" && len(item.Links) > 0 {
		entry.Link = cleanText(item.Links[0])
	}

	// gofeed has no created field; dcterms:created carries it when present.
	if values := item.Extensions["dcterms"]["created"]; len(values) > 0 {
		if created, err := parseDate(values[0].Value); err == nil {
			entry.CreatedAt = normalizeTime(&created)
		}
	}

	content := cmp.Or(item.Content, item.Description)
	if p.sanitizer != nil {
		content = p.sanitizer.Sanitize(content)
	}
	entry.Content = cleanText(content)

	return entry
}

func (p *Parser) extractAuthor(item *gofeed.Item) string {
	for _, author := range item.Authors {
		if author != nil {
			if name := formatAuthor(author.Name, author.Email); name != "" {
				return name
			}
		}
	}

	if item.Author != nil {
		return formatAuthor(item.Author.Name, item.Author.Email)
	}

	if item.DublinCoreExt != nil && len(item.DublinCoreExt.Creator) > 0 {
		return cleanText(item.DublinCoreExt.Creator[0])
	}

	return ""
}

func formatAuthor(name, email string) string {
	return cmp.Or(cleanText(name), cleanText(email))
}

// cleanText drops what no store accepts in a text column: NUL bytes and
// invalid UTF-8.
func cleanText(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// normalizeTime drops sub-second precision and the zone so that dates
// compare equal across fetches and store round trips.
func normalizeTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	n := t.UTC().Truncate(time.Second)
	return &n
}
