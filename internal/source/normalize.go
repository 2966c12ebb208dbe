package source

import (
	"net/url"
	"time"

	"github.com/heatlink-project/heatlink/pkg/types"
)

// DefaultMaxItems caps how many items one source may commit per fetch.
const DefaultMaxItems = 500

// Normalize enforces the NewsItem invariants on an adapter's raw output:
// top-level source_id/source_name, no source keys hidden in extra, derived
// IDs, UTC timestamps, absolute URLs, and the per-source item cap.
// Items without a title or a parseable absolute URL are dropped.
func Normalize(desc types.SourceDescriptor, items []types.NewsItem, maxItems int) []types.NewsItem {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	out := make([]types.NewsItem, 0, len(items))
	for _, item := range items {
		if len(out) >= maxItems {
			break
		}
		if item.Title == "" || !isAbsoluteURL(item.URL) {
			continue
		}

		item.SourceID = desc.SourceID
		item.SourceName = desc.Name
		if item.Extra != nil {
			delete(item.Extra, "source_id")
			delete(item.Extra, "source_name")
			if len(item.Extra) == 0 {
				item.Extra = nil
			}
		}
		if item.Language == "" {
			item.Language = desc.Language
		}
		if item.Country == "" {
			item.Country = desc.Country
		}
		if item.Category == "" {
			item.Category = desc.Category
		}
		item.PublishedAt = toUTC(item.PublishedAt)
		item.UpdatedAt = toUTC(item.UpdatedAt)
		if item.ID == "" {
			item.ID = types.DeriveID(desc.SourceID, item.URL, item.PublishedAt, item.Title)
		}
		out = append(out, item)
	}
	return out
}

func toUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func isAbsoluteURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs() && u.Host != ""
}
