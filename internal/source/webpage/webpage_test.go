package webpage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heatlink-project/heatlink/internal/renderer"
	"github.com/heatlink-project/heatlink/pkg/types"
)

const samplePage = `<!DOCTYPE html>
<html><body>
  <div class="news">
    <a class="title" href="/story/1">First story</a>
    <span class="by">alice</span>
    <img src="https://cdn.example.com/1.png"/>
  </div>
  <div class="news">
    <a class="title" href="https://other.example.com/2">Second story</a>
  </div>
</body></html>`

func descriptor(url string, rendered bool) types.SourceDescriptor {
	return types.SourceDescriptor{
		SourceID:       "demo-web",
		Name:           "Demo Web",
		Type:           types.SourceTypeWeb,
		UpdateInterval: 10 * time.Minute,
		CacheTTL:       10 * time.Minute,
		Config: map[string]any{
			"url":           url,
			"item_selector": "div.news",
			"rendered":      rendered,
			"wait_for":      "div.news",
			"fields": map[string]string{
				"title":     "a.title",
				"url":       "a.title@href",
				"author":    "span.by",
				"image_url": "img@src",
			},
		},
	}
}

func TestFetchExtractsItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	a, err := New(descriptor(srv.URL, false), nil)
	require.NoError(t, err)

	items, err := a.Fetch(context.Background(), srv.Client())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "First story", items[0].Title)
	assert.Equal(t, srv.URL+"/story/1", items[0].URL, "relative hrefs resolve against the page URL")
	assert.Equal(t, "alice", items[0].Author)
	assert.Equal(t, "https://cdn.example.com/1.png", items[0].ImageURL)

	assert.Equal(t, "Second story", items[1].Title)
	assert.Equal(t, "https://other.example.com/2", items[1].URL)
	assert.Empty(t, items[1].Author)
}

type fakeRenderer struct {
	html    string
	waitFor string
	renders int
}

func (f *fakeRenderer) Render(_ context.Context, _, waitFor string) (string, error) {
	f.renders++
	f.waitFor = waitFor
	return f.html, nil
}

func (f *fakeRenderer) Close() error { return nil }

func TestFetchUsesRendererWhenRequested(t *testing.T) {
	fake := &fakeRenderer{html: samplePage}
	pool := renderer.NewPool(func() (renderer.Renderer, error) { return fake, nil }, 1, clockwork.NewFakeClock(), nil)
	defer func() { _ = pool.Close() }()

	a, err := New(descriptor("https://example.com/page", true), pool)
	require.NoError(t, err)

	items, err := a.Fetch(context.Background(), http.DefaultClient)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 1, fake.renders)
	assert.Equal(t, "div.news", fake.waitFor)
}

func TestNewRejectsRenderingWithoutPool(t *testing.T) {
	_, err := New(descriptor("https://example.com/page", true), nil)
	assert.Error(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing url", func(c map[string]any) { delete(c, "url") }},
		{"missing item_selector", func(c map[string]any) { delete(c, "item_selector") }},
		{"missing title field", func(c map[string]any) {
			c["fields"] = map[string]string{"url": "a@href"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			desc := descriptor("https://example.com/page", false)
			tc.mutate(desc.Config)
			_, err := New(desc, nil)
			assert.Error(t, err)
		})
	}
}
