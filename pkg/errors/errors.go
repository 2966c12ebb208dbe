// Package errors defines the unified error taxonomy for fetch operations.
// Every adapter- or transport-specific failure is mapped onto one of these
// kinds before it reaches the cache, the stats collector, or a caller.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error kinds visible to the engine and recorded per outcome.
const (
	KindUnknownSource    = "unknown_source"
	KindInFlightTimeout  = "in_flight_timeout"
	KindProxyUnavailable = "proxy_unavailable"
	KindNetwork          = "network"
	KindParse            = "parse"
	KindAdapterInternal  = "adapter_internal"
	KindRateLimited      = "rate_limited"
	KindCanceled         = "canceled"
	KindTimeout          = "timeout"
)

// FetchError is a typed error carrying the engine-visible kind.
type FetchError struct {
	Kind      string `json:"kind"`
	SourceID  string `json:"source_id"`
	Message   string `json:"message"`
	Retryable bool   `json:"-"`
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("[%s] %s (source=%s)", e.Kind, e.Message, e.SourceID)
}

// NewUnknownSource reports a lookup against an unregistered source.
func NewUnknownSource(sourceID string) *FetchError {
	return &FetchError{Kind: KindUnknownSource, SourceID: sourceID, Message: "no adapter registered"}
}

// NewInFlightTimeout reports a coalesced waiter exceeding its deadline.
func NewInFlightTimeout(sourceID string) *FetchError {
	return &FetchError{Kind: KindInFlightTimeout, SourceID: sourceID, Message: "timed out waiting for in-flight fetch", Retryable: true}
}

// NewProxyUnavailable reports that no usable proxy exists and direct
// fallback is disallowed.
func NewProxyUnavailable(sourceID, group string) *FetchError {
	return &FetchError{Kind: KindProxyUnavailable, SourceID: sourceID, Message: fmt.Sprintf("no usable proxy in group %q", group)}
}

// NewNetwork reports a DNS/TCP/TLS/read failure or a non-2xx status.
func NewNetwork(sourceID, message string) *FetchError {
	return &FetchError{Kind: KindNetwork, SourceID: sourceID, Message: message, Retryable: true}
}

// NewHTTPStatus maps a non-2xx response onto the taxonomy.
func NewHTTPStatus(sourceID string, status int) *FetchError {
	if status == http.StatusTooManyRequests {
		return NewRateLimited(sourceID, "upstream returned 429")
	}
	return NewNetwork(sourceID, fmt.Sprintf("unexpected status %d", status))
}

// NewParse reports a response the adapter could not decode.
func NewParse(sourceID, message string) *FetchError {
	return &FetchError{Kind: KindParse, SourceID: sourceID, Message: message}
}

// NewAdapterInternal wraps an unexpected adapter failure.
func NewAdapterInternal(sourceID string, err error) *FetchError {
	return &FetchError{Kind: KindAdapterInternal, SourceID: sourceID, Message: err.Error()}
}

// NewRateLimited reports an adapter-observed HTTP 429 or equivalent.
func NewRateLimited(sourceID, message string) *FetchError {
	return &FetchError{Kind: KindRateLimited, SourceID: sourceID, Message: message, Retryable: true}
}

// NewCanceled reports an externally canceled fetch.
func NewCanceled(sourceID string) *FetchError {
	return &FetchError{Kind: KindCanceled, SourceID: sourceID, Message: "context canceled"}
}

// NewTimeout reports an elapsed effective deadline.
func NewTimeout(sourceID string) *FetchError {
	return &FetchError{Kind: KindTimeout, SourceID: sourceID, Message: "effective deadline elapsed", Retryable: true}
}

// KindOf returns the taxonomy kind for err, classifying stdlib transport
// and context errors when err is not already a FetchError.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindAdapterInternal
}

// Wrap coerces err into a FetchError for sourceID, preserving an existing
// FetchError as-is.
func Wrap(sourceID string, err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.SourceID == "" {
			fe.SourceID = sourceID
		}
		return fe
	}
	return &FetchError{Kind: KindOf(err), SourceID: sourceID, Message: err.Error()}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind string) bool {
	return KindOf(err) == kind
}
