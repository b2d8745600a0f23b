package outcomes

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteReader implements Reader for SQLite databases.
type SQLiteReader struct {
	db *sql.DB
}

// NewSQLiteReader creates a new SQLite outcome reader.
func NewSQLiteReader(db *sql.DB) (*SQLiteReader, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLiteReader{db: db}, nil
}

func (r *SQLiteReader) Recent(ctx context.Context, params QueryParams) ([]Entry, error) {
	var conditions []string
	var args []any
	if params.Channel != "" {
		conditions = append(conditions, "channel = ?")
		args = append(args, params.Channel)
	}
	if params.RequestID != "" {
		conditions = append(conditions, "request_id = ?")
		args = append(args, params.RequestID)
	}
	if !params.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, params.Since.UTC().Format(sqliteTimeLayout))
	}
	args = append(args, clampLimit(params.Limit))

	query := `SELECT id, request_id, timestamp, channel, adapter_type, model, stream, attempt,
		success, finish_reason, latency_ms, diagnostic, committed
		FROM ` + tableName + buildWhereClause(conditions) + ` ORDER BY timestamp DESC, attempt DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	result := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &e.RequestID, &ts, &e.Channel, &e.AdapterType, &e.Model, &e.Stream,
			&e.Attempt, &e.Success, &e.FinishReason, &e.LatencyMs, &e.Diagnostic, &e.Committed); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse outcome timestamp %q: %w", ts, err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcome rows: %w", err)
	}
	return result, nil
}

func (r *SQLiteReader) Summary(ctx context.Context, since time.Time) ([]ChannelSummary, error) {
	var conditions []string
	var args []any
	if !since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, since.UTC().Format(sqliteTimeLayout))
	}

	query := `SELECT channel, COUNT(*), COALESCE(SUM(success), 0), COALESCE(SUM(1 - success), 0),
		COALESCE(SUM(committed), 0), COALESCE(AVG(latency_ms), 0)
		FROM ` + tableName + buildWhereClause(conditions) + ` GROUP BY channel ORDER BY channel`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome summary: %w", err)
	}
	defer rows.Close()

	result := make([]ChannelSummary, 0)
	for rows.Next() {
		var s ChannelSummary
		if err := rows.Scan(&s.Channel, &s.Attempts, &s.Successes, &s.Failures, &s.Committed, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan outcome summary row: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcome summary rows: %w", err)
	}
	return result, nil
}
