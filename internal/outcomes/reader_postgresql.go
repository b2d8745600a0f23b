package outcomes

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLReader implements Reader for PostgreSQL databases.
type PostgreSQLReader struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLReader creates a new PostgreSQL outcome reader.
func NewPostgreSQLReader(pool *pgxpool.Pool) (*PostgreSQLReader, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	return &PostgreSQLReader{pool: pool}, nil
}

func (r *PostgreSQLReader) Recent(ctx context.Context, params QueryParams) ([]Entry, error) {
	var conditions []string
	var args []any
	if params.Channel != "" {
		args = append(args, params.Channel)
		conditions = append(conditions, fmt.Sprintf("channel = $%d", len(args)))
	}
	if params.RequestID != "" {
		args = append(args, params.RequestID)
		conditions = append(conditions, fmt.Sprintf("request_id = $%d", len(args)))
	}
	if !params.Since.IsZero() {
		args = append(args, params.Since.UTC())
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	args = append(args, clampLimit(params.Limit))

	query := fmt.Sprintf(`SELECT id::text, request_id, timestamp, channel, adapter_type, model, stream, attempt,
		success, finish_reason, latency_ms, diagnostic, committed
		FROM %s%s ORDER BY timestamp DESC, attempt DESC LIMIT $%d`, tableName, buildWhereClause(conditions), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	result := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.Channel, &e.AdapterType, &e.Model, &e.Stream,
			&e.Attempt, &e.Success, &e.FinishReason, &e.LatencyMs, &e.Diagnostic, &e.Committed); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcome rows: %w", err)
	}
	return result, nil
}

func (r *PostgreSQLReader) Summary(ctx context.Context, since time.Time) ([]ChannelSummary, error) {
	var conditions []string
	var args []any
	if !since.IsZero() {
		args = append(args, since.UTC())
		conditions = append(conditions, "timestamp >= $1")
	}

	query := `SELECT channel, COUNT(*), COUNT(*) FILTER (WHERE success), COUNT(*) FILTER (WHERE NOT success),
		COUNT(*) FILTER (WHERE committed), COALESCE(AVG(latency_ms), 0)::float8
		FROM ` + tableName + buildWhereClause(conditions) + ` GROUP BY channel ORDER BY channel`

	rows, err := r.pool.Query(ctx, query, args...)
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
