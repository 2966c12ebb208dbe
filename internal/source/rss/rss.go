// Package rss implements the RSS/Atom adapter shape on top of gofeed.
package rss

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/mmcdole/gofeed"

	"github.com/heatlink-project/heatlink/internal/source"
	"github.com/heatlink-project/heatlink/pkg/errors"
	"github.com/heatlink-project/heatlink/pkg/types"
)

const maxFeedBytes = 8 << 20

// Config is the adapter-specific configuration.
type Config struct {
	FeedURL string `json:"feed_url"`
	// MaxItems caps how many feed entries are taken, newest first.
	// Zero means all.
	MaxItems int `json:"max_items"`
}

// Adapter fetches a standard RSS or Atom feed.
type Adapter struct {
	desc   types.SourceDescriptor
	cfg    Config
	parser *gofeed.Parser
}

// New constructs the adapter.
func New(desc types.SourceDescriptor) (source.Adapter, error) {
	payload, err := json.Marshal(desc.Config)
	if err != nil {
		return nil, fmt.Errorf("source %s: encode config: %w", desc.SourceID, err)
	}
	var cfg Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("source %s: parse config: %w", desc.SourceID, err)
	}
	if cfg.FeedURL == "" {
		return nil, fmt.Errorf("source %s: missing feed_url", desc.SourceID)
	}
	return &Adapter{desc: desc, cfg: cfg, parser: gofeed.NewParser()}, nil
}

// Metadata returns the descriptor.
func (a *Adapter) Metadata() types.SourceDescriptor { return a.desc }

// Fetch downloads and parses the feed. Channel metadata (language) fills
// item fields the entries leave blank.
func (a *Adapter) Fetch(ctx context.Context, client *http.Client) ([]types.NewsItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.FeedURL, nil)
	if err != nil {
		return nil, errors.NewAdapterInternal(a.desc.SourceID, err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(a.desc.SourceID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errors.NewHTTPStatus(a.desc.SourceID, resp.StatusCode)
	}

	feed, err := a.parser.Parse(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, errors.NewParse(a.desc.SourceID, "invalid feed: "+err.Error())
	}

	entries := feed.Items
	if a.cfg.MaxItems > 0 && len(entries) > a.cfg.MaxItems {
		entries = entries[:a.cfg.MaxItems]
	}

	items := make([]types.NewsItem, 0, len(entries))
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		items = append(items, a.convert(feed, entry))
	}
	return items, nil
}

func (a *Adapter) convert(feed *gofeed.Feed, entry *gofeed.Item) types.NewsItem {
	item := types.NewsItem{
		Title:       entry.Title,
		URL:         entry.Link,
		OriginalID:  entry.GUID,
		Summary:     entry.Description,
		Content:     entry.Content,
		PublishedAt: entry.PublishedParsed,
		UpdatedAt:   entry.UpdatedParsed,
		Tags:        entry.Categories,
		Language:    feed.Language,
	}
	if len(entry.Authors) > 0 && entry.Authors[0] != nil {
		item.Author = entry.Authors[0].Name
	}
	if entry.Image != nil {
		item.ImageURL = entry.Image.URL
	} else {
		for _, enc := range entry.Enclosures {
			if enc != nil && enc.URL != "" {
				item.ImageURL = enc.URL
				break
			}
		}
	}
	return item
}
