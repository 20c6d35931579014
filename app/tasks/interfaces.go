package tasks

import (
	"context"

	"github.com/lysyi3m/feed-poller/app/feed"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string) feed.FetchOutcome
}

type DocumentParser interface {
	Run(data []byte) (*feed.Document, error)
}

var (
	_ Fetcher        = (*feed.Fetcher)(nil)
	_ DocumentParser = (*feed.Parser)(nil)
)
