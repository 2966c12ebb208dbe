// Package jsonapi implements the JSON API adapter shape: a request
// template, a path expression selecting the item array, and a per-field
// extraction map.
package jsonapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/itchyny/gojq"

	"github.com/heatlink-project/heatlink/internal/source"
	"github.com/heatlink-project/heatlink/pkg/errors"
	"github.com/heatlink-project/heatlink/pkg/types"
)

// maxResponseBytes bounds how much of an upstream response is read.
const maxResponseBytes = 8 << 20

// Config is the adapter-specific configuration parsed from
// SourceDescriptor.Config.
type Config struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`

	// ItemsPath is a jq expression yielding one value per item,
	// e.g. ".data.items[]".
	ItemsPath string `json:"items_path"`

	// Fields maps NewsItem field names (title, url, mobile_url,
	// original_id, summary, content, author, image_url, published_at,
	// tags) to jq expressions evaluated against each item value.
	Fields map[string]string `json:"fields"`
}

// Adapter fetches items from a JSON HTTP API.
type Adapter struct {
	desc    types.SourceDescriptor
	cfg     Config
	items   *gojq.Code
	fields  map[string]*gojq.Code
}

// New constructs the adapter, compiling every jq expression up front.
func New(desc types.SourceDescriptor) (source.Adapter, error) {
	var cfg Config
	if err := decodeConfig(desc.Config, &cfg); err != nil {
		return nil, fmt.Errorf("source %s: %w", desc.SourceID, err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("source %s: missing url", desc.SourceID)
	}
	if cfg.ItemsPath == "" {
		return nil, fmt.Errorf("source %s: missing items_path", desc.SourceID)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if _, ok := cfg.Fields["title"]; !ok {
		return nil, fmt.Errorf("source %s: fields must map title", desc.SourceID)
	}
	if _, ok := cfg.Fields["url"]; !ok {
		return nil, fmt.Errorf("source %s: fields must map url", desc.SourceID)
	}

	items, err := compile(cfg.ItemsPath)
	if err != nil {
		return nil, fmt.Errorf("source %s: items_path: %w", desc.SourceID, err)
	}
	fields := make(map[string]*gojq.Code, len(cfg.Fields))
	for name, expr := range cfg.Fields {
		code, err := compile(expr)
		if err != nil {
			return nil, fmt.Errorf("source %s: field %s: %w", desc.SourceID, name, err)
		}
		fields[name] = code
	}

	return &Adapter{desc: desc, cfg: cfg, items: items, fields: fields}, nil
}

// Metadata returns the descriptor.
func (a *Adapter) Metadata() types.SourceDescriptor { return a.desc }

// Fetch issues the templated request and extracts items.
func (a *Adapter) Fetch(ctx context.Context, client *http.Client) ([]types.NewsItem, error) {
	var body io.Reader
	if a.cfg.Body != "" {
		body = strings.NewReader(a.cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, a.cfg.Method, a.cfg.URL, body)
	if err != nil {
		return nil, errors.NewAdapterInternal(a.desc.SourceID, err)
	}
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}
	if a.cfg.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(a.desc.SourceID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errors.NewHTTPStatus(a.desc.SourceID, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.NewNetwork(a.desc.SourceID, err.Error())
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.NewParse(a.desc.SourceID, "invalid json: "+err.Error())
	}
	return a.extract(ctx, doc)
}

func (a *Adapter) extract(ctx context.Context, doc any) ([]types.NewsItem, error) {
	var out []types.NewsItem
	iter := a.items.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, errors.NewParse(a.desc.SourceID, "items_path: "+err.Error())
		}
		item, err := a.extractItem(ctx, v)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (a *Adapter) extractItem(ctx context.Context, v any) (types.NewsItem, error) {
	item := types.NewsItem{}
	for name, code := range a.fields {
		val, err := firstValue(ctx, code, v)
		if err != nil {
			return item, errors.NewParse(a.desc.SourceID, fmt.Sprintf("field %s: %v", name, err))
		}
		if val == nil {
			continue
		}
		switch name {
		case "title":
			item.Title = asString(val)
		case "url":
			item.URL = asString(val)
		case "mobile_url":
			item.MobileURL = asString(val)
		case "original_id":
			item.OriginalID = asString(val)
		case "summary":
			item.Summary = asString(val)
		case "content":
			item.Content = asString(val)
		case "author":
			item.Author = asString(val)
		case "image_url":
			item.ImageURL = asString(val)
		case "published_at":
			item.PublishedAt = asTime(val)
		case "tags":
			item.Tags = asStrings(val)
		default:
			if item.Extra == nil {
				item.Extra = make(map[string]any)
			}
			item.Extra[name] = val
		}
	}
	return item, nil
}

func decodeConfig(raw map[string]any, cfg *Config) error {
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := json.Unmarshal(payload, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func compile(expr string) (*gojq.Code, error) {
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, err
	}
	return gojq.Compile(q)
}

func firstValue(ctx context.Context, code *gojq.Code, v any) (any, error) {
	iter := code.RunWithContext(ctx, v)
	val, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := val.(error); isErr {
		return nil, err
	}
	return val, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return fmt.Sprintf("%v", s)
	case int:
		return fmt.Sprintf("%d", s)
	default:
		return ""
	}
}

func asStrings(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s := asString(e); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// asTime accepts RFC3339 strings and unix second/millisecond numbers.
func asTime(v any) *time.Time {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339, time.RFC3339Nano, time.RFC1123Z, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				utc := parsed.UTC()
				return &utc
			}
		}
	case float64:
		sec := int64(t)
		if sec > 1e12 { // milliseconds
			sec /= 1000
		}
		utc := time.Unix(sec, 0).UTC()
		return &utc
	case int:
		sec := int64(t)
		if sec > 1e12 {
			sec /= 1000
		}
		utc := time.Unix(sec, 0).UTC()
		return &utc
	}
	return nil
}
