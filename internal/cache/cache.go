// Package cache persists channel health snapshots so a restarted gateway does
// not route to backends it already knew were failing.
// Supports both local (file) and Redis backends for multi-instance deployments.
package cache

import (
	"context"
	"time"
)

// SnapshotVersion is bumped when the snapshot layout changes incompatibly.
const SnapshotVersion = 1

// HealthSnapshot is the data that gets stored and retrieved from the cache.
type HealthSnapshot struct {
	Version   int                      `json:"version"`
	UpdatedAt time.Time                `json:"updated_at"`
	Channels  map[string]ChannelHealth `json:"channels"`
}

// ChannelHealth is the persisted health of one channel, keyed by channel name.
type ChannelHealth struct {
	AdapterType         string    `json:"adapter_type"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Excluded            bool      `json:"excluded"`
	ExcludedAt          time.Time `json:"excluded_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastLatencyMs       int64     `json:"last_latency_ms"`
	LastProbeAt         time.Time `json:"last_probe_at,omitempty"`
	LastProbeOK         bool      `json:"last_probe_ok"`
}

// Cache defines the interface for health snapshot storage.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves the snapshot.
	// Returns nil, nil if no snapshot exists yet.
	Get(ctx context.Context) (*HealthSnapshot, error)

	// Set stores the snapshot.
	Set(ctx context.Context, snapshot *HealthSnapshot) error

	// Close releases any resources held by the cache.
	Close() error
}
