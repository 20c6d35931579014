package reconcile

import (
	"fmt"
	"time"

	"github.com/lysyi3m/feed-poller/app/feed"
)

// KeyKind says how an entry document is matched against stored entries.
type KeyKind int

const (
	// ByURLAndUpdatedAt matches the revision of url stamped updatedAt.
	ByURLAndUpdatedAt KeyKind = iota + 1
	// ByStableID matches the undated entry carrying the source id, falling
	// back to the undated entry at the same url.
	ByStableID
	// ByURLOnly matches the undated entry at url.
	ByURLOnly
)

func (k KeyKind) String() string {
	switch k {
	case ByURLAndUpdatedAt:
		return "url+updated_at"
	case ByStableID:
		return "stable_id"
	case ByURLOnly:
		return "url"
	default:
		return fmt.Sprintf("KeyKind(%d)", int(k))
	}
}

type Key struct {
	Kind      KeyKind
	SourceID  string
	URL       string
	UpdatedAt time.Time
}

// KeyFor resolves the matching strategy of doc once. A dated document is
// always matched by revision, since dated revisions of one url coexist.
func KeyFor(doc feed.EntryDocument) Key {
	switch {
	case doc.UpdatedAt != nil:
		return Key{Kind: ByURLAndUpdatedAt, SourceID: doc.ID, URL: doc.Link, UpdatedAt: doc.UpdatedAt.UTC()}
	case doc.ID != "":
		return Key{Kind: ByStableID, SourceID: doc.ID, URL: doc.Link}
	default:
		return Key{Kind: ByURLOnly, URL: doc.Link}
	}
}

func (k Key) String() string {
	switch k.Kind {
	case ByURLAndUpdatedAt:
		return fmt.Sprintf("%s|%s|%s", k.Kind, k.URL, k.UpdatedAt.Format(time.RFC3339Nano))
	case ByStableID:
		return fmt.Sprintf("%s|%s", k.Kind, k.SourceID)
	default:
		return fmt.Sprintf("%s|%s", k.Kind, k.URL)
	}
}

func revisionKey(url string, updatedAt time.Time) string {
	return url + "\x00" + updatedAt.UTC().Format(time.RFC3339Nano)
}
