// Package outcomes records every dispatch attempt for later inspection.
// Entries are buffered in memory and written in batches to the shared
// storage backend.
package outcomes

import (
	"context"
	"time"
)

// Store defines the interface for outcome storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch writes multiple entries to storage.
	// This is called by the Logger when flushing buffered entries.
	WriteBatch(ctx context.Context, entries []*Entry) error

	// Flush forces any pending writes to complete.
	// Called during graceful shutdown.
	Flush(ctx context.Context) error

	// Close releases resources held by the store (not the connection).
	Close() error
}

// Entry is one dispatch attempt against one channel.
type Entry struct {
	// ID is a unique identifier for this entry (UUID)
	ID string `json:"id" bson:"_id"`

	// RequestID links attempts of the same client request (X-Request-ID)
	RequestID string `json:"request_id" bson:"request_id"`

	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	Channel     string `json:"channel" bson:"channel"`
	AdapterType string `json:"adapter_type" bson:"adapter_type"`
	Model       string `json:"model" bson:"model"`
	Stream      bool   `json:"stream" bson:"stream"`

	// Attempt is 1 for the first candidate tried, 2 for the first failover, ...
	Attempt int `json:"attempt" bson:"attempt"`

	Success      bool   `json:"success" bson:"success"`
	FinishReason string `json:"finish_reason" bson:"finish_reason"`
	LatencyMs    int64  `json:"latency_ms" bson:"latency_ms"`
	Diagnostic   string `json:"diagnostic,omitempty" bson:"diagnostic,omitempty"`

	// Committed is true when output from this attempt reached the caller.
	Committed bool `json:"committed" bson:"committed"`
}

// Config holds outcome logging configuration
type Config struct {
	// Enabled controls whether outcome logging is active
	Enabled bool

	// BufferSize is the number of entries to buffer before dropping
	BufferSize int

	// FlushInterval is how often to flush buffered entries
	FlushInterval time.Duration

	// RetentionDays is how long to keep entries (0 = forever)
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 30,
	}
}
