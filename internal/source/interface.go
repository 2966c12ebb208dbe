// Package source defines the adapter contract every news source satisfies
// and the registry that owns adapter construction.
package source

import (
	"context"
	"net/http"

	"github.com/heatlink-project/heatlink/pkg/types"
)

// Adapter is the contract between the engine and one source. The engine
// supplies the HTTP client; adapters must not open their own sockets.
type Adapter interface {
	// Metadata returns the descriptor the adapter was built from, with
	// the canonical source ID.
	Metadata() types.SourceDescriptor

	// Fetch retrieves the source's current items. Implementations honor
	// ctx at every network call and classify failures with pkg/errors.
	Fetch(ctx context.Context, client *http.Client) ([]types.NewsItem, error)
}

// Closer is implemented by adapters holding external handles, such as a
// headless renderer session.
type Closer interface {
	Close() error
}

// Constructor builds an adapter from its descriptor. The descriptor's
// Config mapping is adapter-specific; constructors parse it into their own
// typed config and reject what they cannot understand.
type Constructor func(desc types.SourceDescriptor) (Adapter, error)
