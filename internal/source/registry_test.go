package source

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/heatlink-project/heatlink/pkg/errors"
	"github.com/heatlink-project/heatlink/pkg/types"
)

type stubAdapter struct {
	desc   types.SourceDescriptor
	items  []types.NewsItem
	err    error
	calls  int
	closed bool
}

func (s *stubAdapter) Metadata() types.SourceDescriptor { return s.desc }

func (s *stubAdapter) Fetch(ctx context.Context, client *http.Client) ([]types.NewsItem, error) {
	s.calls++
	return s.items, s.err
}

func (s *stubAdapter) Close() error {
	s.closed = true
	return nil
}

func descriptor(id string) types.SourceDescriptor {
	return types.SourceDescriptor{
		SourceID:       id,
		Name:           "Stub " + id,
		Type:           types.SourceTypeAPI,
		UpdateInterval: 10 * time.Minute,
		CacheTTL:       5 * time.Minute,
	}
}

func stubConstructor(adapter *stubAdapter) Constructor {
	return func(desc types.SourceDescriptor) (Adapter, error) {
		adapter.desc = desc
		return adapter, nil
	}
}

func TestRegisterCanonicalizesUnderscores(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock())
	require.NoError(t, r.RegisterWith(descriptor("Hacker_News"), stubConstructor(&stubAdapter{})))

	rec, desc, err := r.Resolve("hacker_news")
	require.NoError(t, err)
	assert.Equal(t, "hacker-news", desc.SourceID)
	assert.Equal(t, "hacker-news", rec.Metadata().SourceID)

	// Hyphen form resolves to the same entry.
	_, desc2, err := r.Resolve("hacker-news")
	require.NoError(t, err)
	assert.Equal(t, desc, desc2)
}

func TestRegisterSameIDTwiceFails(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock())
	require.NoError(t, r.RegisterWith(descriptor("demo"), stubConstructor(&stubAdapter{})))
	assert.Error(t, r.RegisterWith(descriptor("demo"), stubConstructor(&stubAdapter{})))
}

func TestRegisterUnderscoreSynonymIsIdempotent(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock())
	require.NoError(t, r.RegisterWith(descriptor("cls-telegraph"), stubConstructor(&stubAdapter{})))
	require.NoError(t, r.RegisterWith(descriptor("cls_telegraph"), stubConstructor(&stubAdapter{})))
	assert.Len(t, r.Descriptors(), 1)
}

func TestLegacyAliasResolution(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock())
	r.SetAliases(map[string]string{"the_paper": "thepaper"})
	require.NoError(t, r.RegisterWith(descriptor("thepaper"), stubConstructor(&stubAdapter{})))

	_, desc, err := r.Resolve("the_paper")
	require.NoError(t, err)
	assert.Equal(t, "thepaper", desc.SourceID)
}

func TestResolveUnknownSource(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock())
	_, _, err := r.Resolve("nope")
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.KindUnknownSource))
}

func TestResolveCachesInstance(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock())
	built := 0
	require.NoError(t, r.RegisterWith(descriptor("demo"), func(desc types.SourceDescriptor) (Adapter, error) {
		built++
		return &stubAdapter{desc: desc}, nil
	}))

	for i := 0; i < 3; i++ {
		_, _, err := r.Resolve("demo")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, built)
}

func TestUpdateDescriptorDiscardsInstance(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock())
	adapter := &stubAdapter{}
	require.NoError(t, r.RegisterWith(descriptor("demo"), stubConstructor(adapter)))
	_, _, err := r.Resolve("demo")
	require.NoError(t, err)

	updated := descriptor("demo")
	updated.Priority = 7
	require.NoError(t, r.UpdateDescriptor(updated))
	assert.True(t, adapter.closed)

	desc, ok := r.Descriptor("demo")
	require.True(t, ok)
	assert.Equal(t, 7, desc.Priority)
}

func TestDeregisterClosesAdapter(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock())
	adapter := &stubAdapter{}
	require.NoError(t, r.RegisterWith(descriptor("demo"), stubConstructor(adapter)))
	_, _, err := r.Resolve("demo")
	require.NoError(t, err)

	require.NoError(t, r.Deregister("demo"))
	assert.True(t, adapter.closed)

	_, _, err = r.Resolve("demo")
	assert.Error(t, err)
}

func TestFilterByCategoryCountryLanguage(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock())

	tech := descriptor("src-tech")
	tech.Category = "tech"
	tech.Country = "us"
	tech.Language = "en"
	cn := descriptor("src-cn")
	cn.Category = "finance"
	cn.Country = "cn"
	cn.Language = "zh"
	require.NoError(t, r.RegisterWith(tech, stubConstructor(&stubAdapter{})))
	require.NoError(t, r.RegisterWith(cn, stubConstructor(&stubAdapter{})))

	assert.Len(t, r.ByCategory("tech"), 1)
	assert.Len(t, r.ByCountry("cn"), 1)
	assert.Len(t, r.ByLanguage("en"), 1)
	assert.Empty(t, r.ByCategory("sports"))
}

func TestRecordedFetchOutcome(t *testing.T) {
	clk := clockwork.NewFakeClock()
	r := NewRegistry(clk)
	require.NoError(t, r.RegisterWith(descriptor("demo"), stubConstructor(&stubAdapter{
		items: []types.NewsItem{{Title: "a", URL: "https://example.com/a"}},
	})))

	rec, _, err := r.Resolve("demo")
	require.NoError(t, err)

	items, outcome, err := rec.FetchRecorded(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.True(t, outcome.Success)
	assert.Equal(t, "demo", outcome.SourceID)
	assert.Empty(t, outcome.ErrorKind)
}

func TestRecordedFetchFailureClassified(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock())
	require.NoError(t, r.RegisterWith(descriptor("demo"), stubConstructor(&stubAdapter{
		err: pkgerrors.NewRateLimited("demo", "429"),
	})))

	rec, _, err := r.Resolve("demo")
	require.NoError(t, err)

	_, outcome, err := rec.FetchRecorded(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, pkgerrors.KindRateLimited, outcome.ErrorKind)
	assert.NotEmpty(t, outcome.ErrorMessage)
}
