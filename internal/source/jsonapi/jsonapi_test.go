package jsonapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heatlink-project/heatlink/pkg/errors"
	"github.com/heatlink-project/heatlink/pkg/types"
)

func descriptor(url string, fields map[string]string) types.SourceDescriptor {
	cfg := map[string]any{
		"url":        url,
		"items_path": ".data.items[]",
		"fields":     fields,
	}
	return types.SourceDescriptor{
		SourceID:       "demo-api",
		Name:           "Demo API",
		Type:           types.SourceTypeAPI,
		UpdateInterval: 10 * time.Minute,
		CacheTTL:       10 * time.Minute,
		Config:         cfg,
	}
}

func defaultFields() map[string]string {
	return map[string]string{
		"title":        ".title",
		"url":          ".link",
		"original_id":  ".id | tostring",
		"published_at": ".ts",
		"tags":         ".tags",
		"heat":         ".heat",
	}
}

func TestFetchExtractsItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"items":[
			{"id":1,"title":"first","link":"https://example.com/1","ts":"2026-02-01T08:00:00Z","tags":["hot","tech"],"heat":99.5},
			{"id":2,"title":"second","link":"https://example.com/2","ts":1738396800}
		]}}`))
	}))
	defer srv.Close()

	desc := descriptor(srv.URL, defaultFields())
	desc.Config["headers"] = map[string]string{"X-Token": "secret"}
	a, err := New(desc)
	require.NoError(t, err)

	items, err := a.Fetch(context.Background(), srv.Client())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "first", items[0].Title)
	assert.Equal(t, "https://example.com/1", items[0].URL)
	assert.Equal(t, "1", items[0].OriginalID)
	assert.Equal(t, []string{"hot", "tech"}, items[0].Tags)
	assert.Equal(t, 99.5, items[0].Extra["heat"])
	require.NotNil(t, items[0].PublishedAt)
	assert.Equal(t, time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC), *items[0].PublishedAt)

	// Unix-second timestamp is accepted too.
	require.NotNil(t, items[1].PublishedAt)
	assert.Equal(t, int64(1738396800), items[1].PublishedAt.Unix())
}

func TestFetchMapsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a, err := New(descriptor(srv.URL, defaultFields()))
	require.NoError(t, err)

	_, err = a.Fetch(context.Background(), srv.Client())
	assert.True(t, errors.IsKind(err, errors.KindRateLimited))
}

func TestFetchMapsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a, err := New(descriptor(srv.URL, defaultFields()))
	require.NoError(t, err)

	_, err = a.Fetch(context.Background(), srv.Client())
	assert.True(t, errors.IsKind(err, errors.KindNetwork))
}

func TestFetchMapsBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	a, err := New(descriptor(srv.URL, defaultFields()))
	require.NoError(t, err)

	_, err = a.Fetch(context.Background(), srv.Client())
	assert.True(t, errors.IsKind(err, errors.KindParse))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing url", func(c map[string]any) { delete(c, "url") }},
		{"missing items_path", func(c map[string]any) { delete(c, "items_path") }},
		{"missing title field", func(c map[string]any) {
			c["fields"] = map[string]string{"url": ".link"}
		}},
		{"invalid jq", func(c map[string]any) { c["items_path"] = ".data[" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			desc := descriptor("https://example.com/api", defaultFields())
			tc.mutate(desc.Config)
			_, err := New(desc)
			assert.Error(t, err)
		})
	}
}

func TestFetchPostSendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"data":{"items":[]}}`))
	}))
	defer srv.Close()

	desc := descriptor(srv.URL, defaultFields())
	desc.Config["method"] = http.MethodPost
	desc.Config["body"] = `{"page":1}`
	a, err := New(desc)
	require.NoError(t, err)

	items, err := a.Fetch(context.Background(), srv.Client())
	require.NoError(t, err)
	assert.Empty(t, items)
}
