// Package webpage implements the HTML adapter shape: a page URL, a CSS
// selector per item, and a per-field selector map, optionally rendered
// through a headless renderer for script-heavy pages.
package webpage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/goccy/go-json"

	"github.com/heatlink-project/heatlink/internal/renderer"
	"github.com/heatlink-project/heatlink/internal/source"
	"github.com/heatlink-project/heatlink/pkg/errors"
	"github.com/heatlink-project/heatlink/pkg/types"
)

const maxPageBytes = 8 << 20

// Config is the adapter-specific configuration.
type Config struct {
	URL string `json:"url"`

	// ItemSelector matches one element per news item.
	ItemSelector string `json:"item_selector"`

	// Fields maps NewsItem field names to selector specs, evaluated
	// relative to each item element. A spec is "selector" for text
	// content or "selector@attr" for an attribute, e.g. "a.title@href".
	Fields map[string]string `json:"fields"`

	// Rendered requests headless rendering; WaitFor is the selector the
	// renderer blocks on before snapshotting.
	Rendered bool   `json:"rendered"`
	WaitFor  string `json:"wait_for"`
}

type fieldSpec struct {
	selector string
	attr     string
}

// Adapter scrapes items out of an HTML page.
type Adapter struct {
	desc   types.SourceDescriptor
	cfg    Config
	base   *url.URL
	fields map[string]fieldSpec
	pool   *renderer.Pool // nil unless rendering was requested and available
}

// NewConstructor returns a constructor bound to the given renderer pool.
// pool may be nil; descriptors requesting rendering then fail construction.
func NewConstructor(pool *renderer.Pool) source.Constructor {
	return func(desc types.SourceDescriptor) (source.Adapter, error) {
		return New(desc, pool)
	}
}

// New constructs the adapter.
func New(desc types.SourceDescriptor, pool *renderer.Pool) (source.Adapter, error) {
	payload, err := json.Marshal(desc.Config)
	if err != nil {
		return nil, fmt.Errorf("source %s: encode config: %w", desc.SourceID, err)
	}
	var cfg Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("source %s: parse config: %w", desc.SourceID, err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("source %s: missing url", desc.SourceID)
	}
	if cfg.ItemSelector == "" {
		return nil, fmt.Errorf("source %s: missing item_selector", desc.SourceID)
	}
	if _, ok := cfg.Fields["title"]; !ok {
		return nil, fmt.Errorf("source %s: fields must map title", desc.SourceID)
	}
	if _, ok := cfg.Fields["url"]; !ok {
		return nil, fmt.Errorf("source %s: fields must map url", desc.SourceID)
	}
	if cfg.Rendered && pool == nil {
		return nil, fmt.Errorf("source %s: rendering requested but no renderer configured", desc.SourceID)
	}

	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("source %s: invalid url: %w", desc.SourceID, err)
	}

	fields := make(map[string]fieldSpec, len(cfg.Fields))
	for name, spec := range cfg.Fields {
		sel, attr, _ := strings.Cut(spec, "@")
		fields[name] = fieldSpec{selector: sel, attr: attr}
	}

	a := &Adapter{desc: desc, cfg: cfg, base: base, fields: fields}
	if cfg.Rendered {
		a.pool = pool
	}
	return a, nil
}

// Metadata returns the descriptor.
func (a *Adapter) Metadata() types.SourceDescriptor { return a.desc }

// Fetch obtains the page HTML (directly or via the renderer) and extracts
// items with the selector map.
func (a *Adapter) Fetch(ctx context.Context, client *http.Client) ([]types.NewsItem, error) {
	html, err := a.pageHTML(ctx, client)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, errors.NewParse(a.desc.SourceID, "invalid html: "+err.Error())
	}

	var items []types.NewsItem
	doc.Find(a.cfg.ItemSelector).Each(func(_ int, sel *goquery.Selection) {
		items = append(items, a.extractItem(sel))
	})
	return items, nil
}

func (a *Adapter) pageHTML(ctx context.Context, client *http.Client) (string, error) {
	if a.pool != nil {
		html, err := a.pool.Render(ctx, a.cfg.URL, a.cfg.WaitFor)
		if err != nil {
			return "", errors.Wrap(a.desc.SourceID, err)
		}
		return html, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.URL, nil)
	if err != nil {
		return "", errors.NewAdapterInternal(a.desc.SourceID, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(a.desc.SourceID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", errors.NewHTTPStatus(a.desc.SourceID, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", errors.NewNetwork(a.desc.SourceID, err.Error())
	}
	return string(raw), nil
}

func (a *Adapter) extractItem(sel *goquery.Selection) types.NewsItem {
	item := types.NewsItem{}
	for name, spec := range a.fields {
		val := a.fieldValue(sel, spec)
		if val == "" {
			continue
		}
		switch name {
		case "title":
			item.Title = val
		case "url":
			item.URL = a.absolute(val)
		case "mobile_url":
			item.MobileURL = a.absolute(val)
		case "original_id":
			item.OriginalID = val
		case "summary":
			item.Summary = val
		case "content":
			item.Content = val
		case "author":
			item.Author = val
		case "image_url":
			item.ImageURL = a.absolute(val)
		default:
			if item.Extra == nil {
				item.Extra = make(map[string]any)
			}
			item.Extra[name] = val
		}
	}
	return item
}

func (a *Adapter) fieldValue(sel *goquery.Selection, spec fieldSpec) string {
	target := sel
	if spec.selector != "" {
		target = sel.Find(spec.selector)
	}
	if spec.attr != "" {
		val, _ := target.First().Attr(spec.attr)
		return strings.TrimSpace(val)
	}
	return strings.TrimSpace(target.First().Text())
}

// absolute resolves href values against the page URL so relative links
// survive normalization.
func (a *Adapter) absolute(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return a.base.ResolveReference(u).String()
}
