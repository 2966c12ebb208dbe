// Package types defines the core data records exchanged between the fetch
// engine, source adapters, and downstream sinks.
package types

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// NewsItem is the canonical record emitted by source adapters.
// SourceID and SourceName are always top-level fields; the engine strips
// them from Extra if an adapter puts them there.
type NewsItem struct {
	ID          string         `json:"id"`
	SourceID    string         `json:"source_id"`
	SourceName  string         `json:"source_name"`
	Title       string         `json:"title"`
	URL         string         `json:"url"`
	MobileURL   string         `json:"mobile_url,omitempty"`
	OriginalID  string         `json:"original_id,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Content     string         `json:"content,omitempty"`
	Author      string         `json:"author,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
	Language    string         `json:"language,omitempty"`
	Country     string         `json:"country,omitempty"`
	Category    string         `json:"category,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// DeriveID computes the stable item identifier used for deduplication.
// Two items with equal (source_id, url, published_at, title) inputs always
// derive the same ID.
func DeriveID(sourceID, url string, publishedAt *time.Time, title string) string {
	ts := ""
	if publishedAt != nil {
		ts = publishedAt.UTC().Format(time.RFC3339)
	}
	h := sha1.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(ts))
	h.Write([]byte{0})
	h.Write([]byte(title))
	return hex.EncodeToString(h.Sum(nil))
}
