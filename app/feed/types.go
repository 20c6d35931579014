package feed

import (
	"time"
)

// Document is a parsed feed: feed-level metadata plus its entries in
// document order.
type Document struct {
	Title       string
	Link        string
	PublishedAt *time.Time
	UpdatedAt   *time.Time
	Entries     []EntryDocument
}

// EntryDocument is one parsed item. Empty strings and nil times mean the
// source omitted the field.
type EntryDocument struct {
	ID          string
	Title       string
	Link        string
	Content     string // Sanitized HTML
	Author      string
	CreatedAt   *time.Time
	PublishedAt *time.Time
	UpdatedAt   *time.Time
	Tags        []string
}

// Seed is one feed listed in a seed file.
type Seed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type SeedFile struct {
	Feeds []Seed `yaml:"feeds"`
}
