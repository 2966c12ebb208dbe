package types

import "time"

// CallType classifies who initiated an outbound fetch. Stats are kept
// separately per call type so scheduler-induced load can be distinguished
// from user-induced load.
type CallType string

const (
	// CallInternal marks fetches initiated by the background scheduler.
	CallInternal CallType = "internal"
	// CallExternal marks fetches initiated on behalf of a caller.
	CallExternal CallType = "external"
)

// MaxErrorMessageLen bounds the error text recorded per outcome.
const MaxErrorMessageLen = 512

// StatsOutcome records one fetch attempt.
type StatsOutcome struct {
	SourceID     string    `json:"source_id"`
	StartedAt    time.Time `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Success      bool      `json:"success"`
	ItemCount    int       `json:"item_count"`
	CacheUsed    bool      `json:"cache_used"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CallType     CallType  `json:"call_type"`
}

// TruncateError clips msg to MaxErrorMessageLen bytes.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorMessageLen {
		return msg[:MaxErrorMessageLen]
	}
	return msg
}

// FetchMeta describes how a GetNews call was served.
type FetchMeta struct {
	CacheHit          bool          `json:"cache_hit"`
	ProtectionApplied bool          `json:"protection_applied"`
	Age               time.Duration `json:"age"`
	ErrorKind         string        `json:"error_kind,omitempty"`
}
