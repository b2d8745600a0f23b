package outcomes

import (
	"context"
	"strings"
	"time"
)

// QueryParams filters entries for the admin API.
type QueryParams struct {
	Channel   string    // exact channel name, empty for all
	RequestID string    // exact request id, empty for all
	Since     time.Time // inclusive lower bound, zero for no bound
	Limit     int       // defaults to 50, capped at 500
}

// ChannelSummary aggregates attempts per channel.
type ChannelSummary struct {
	Channel      string  `json:"channel"`
	Attempts     int64   `json:"attempts"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	Committed    int64   `json:"committed"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Reader provides read access to outcome entries.
type Reader interface {
	// Recent returns matching entries, newest first.
	Recent(ctx context.Context, params QueryParams) ([]Entry, error)

	// Summary returns per-channel aggregates since the given time
	// (all time when zero), sorted by channel name.
	Summary(ctx context.Context, since time.Time) ([]ChannelSummary, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return min(limit, 500)
}

// buildWhereClause joins condition strings into a SQL WHERE clause.
// Returns an empty string when conditions is empty.
func buildWhereClause(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}
