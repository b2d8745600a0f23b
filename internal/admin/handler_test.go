package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onegate/internal/outcomes"
)

// mockReader implements outcomes.Reader for testing.
type mockReader struct {
	entries []outcomes.Entry
	summary []outcomes.ChannelSummary
	err     error

	lastParams outcomes.QueryParams
	lastSince  time.Time
}

func (m *mockReader) Recent(_ context.Context, params outcomes.QueryParams) ([]outcomes.Entry, error) {
	m.lastParams = params
	return m.entries, m.err
}

func (m *mockReader) Summary(_ context.Context, since time.Time) ([]outcomes.ChannelSummary, error) {
	m.lastSince = since
	return m.summary, m.err
}

func TestListChannels(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/admin/channels")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []ChannelView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)

	assert.Equal(t, "primary", views[0].Name, "higher priority first")
	assert.Equal(t, []string{"m1", "m2"}, views[0].Models)
	assert.True(t, views[0].FunctionCall)
	assert.Equal(t, "backup", views[1].Name)
	assert.False(t, views[1].FunctionCall)
}

func TestGetChannel(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/admin/channels/backup")
	require.Equal(t, http.StatusOK, rec.Code)

	var view ChannelView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "backup", view.Name)
	assert.Equal(t, 1, view.Priority)

	rec = env.do(t, "GET", "/admin/channels/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":{"type":"not_found_error","message":"channel not found: nope"}}`, rec.Body.String())
}

func TestTestChannel(t *testing.T) {
	tests := []struct {
		name         string
		channel      string
		wantOK       bool
		wantDetail   string
		wantExcluded bool
	}{
		{name: "healthy backend", channel: "primary", wantOK: true},
		{name: "failing backend is excluded", channel: "backup", wantDetail: "cookie expired", wantExcluded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)

			rec := env.do(t, "POST", "/admin/channels/"+tt.channel+"/test")
			require.Equal(t, http.StatusOK, rec.Code)

			var result TestResult
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
			assert.Equal(t, tt.channel, result.Channel)
			assert.Equal(t, tt.wantOK, result.OK)
			assert.Equal(t, tt.wantDetail, result.Detail)
			assert.Equal(t, tt.wantExcluded, result.Health.Excluded)
			assert.False(t, result.Health.LastProbeAt.IsZero())
			assert.Equal(t, tt.wantExcluded, env.dispatcher.Evaluator().Excluded(tt.channel))
		})
	}
}

func TestTestChannel_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, "POST", "/admin/channels/ghost/test")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnableDisableChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	ch := env.dispatcher.Registry().Get("primary")

	rec := env.do(t, "POST", "/admin/channels/primary/disable")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ch.Enabled())

	var view ChannelView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.False(t, view.Enabled)

	rec = env.do(t, "POST", "/admin/channels/primary/enable")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ch.Enabled())

	rec = env.do(t, "POST", "/admin/channels/ghost/enable")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAdapters(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/admin/adapters")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{
		"name": "stub",
		"description": "",
		"supported_models": ["m1"],
		"function_call_supported": false,
		"stream_mode_supported": false,
		"multi_round_supported": false,
		"concurrent_safe": false
	}]`, rec.Body.String())
}

func TestOutcomes(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		query      string
		reader     *mockReader
		wantStatus int
		wantParams outcomes.QueryParams
		wantBody   string
	}{
		{
			name:       "filters are passed through",
			query:      "?channel=primary&request_id=req-1&since=2026-03-01T00:00:00Z&limit=5",
			reader:     &mockReader{entries: []outcomes.Entry{{ID: "e1", Channel: "primary", Timestamp: ts, Attempt: 1, Success: true}}},
			wantStatus: http.StatusOK,
			wantParams: outcomes.QueryParams{
				Channel:   "primary",
				RequestID: "req-1",
				Since:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
				Limit:     5,
			},
		},
		{
			name:       "nil result becomes empty list",
			reader:     &mockReader{},
			wantStatus: http.StatusOK,
			wantBody:   `[]`,
		},
		{
			name:       "bad since",
			query:      "?since=yesterday",
			reader:     &mockReader{},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":{"type":"invalid_request_error","message":"invalid since format, expected RFC 3339"}}`,
		},
		{
			name:       "bad limit",
			query:      "?limit=0",
			reader:     &mockReader{},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":{"type":"invalid_request_error","message":"limit must be a positive integer"}}`,
		},
		{
			name:       "store failure",
			reader:     &mockReader{err: errors.New("connection refused")},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.reader)

			rec := env.do(t, "GET", "/admin/outcomes"+tt.query)
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
			if tt.wantStatus == http.StatusOK && tt.query != "" {
				assert.Equal(t, tt.wantParams, tt.reader.lastParams)

				var entries []outcomes.Entry
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
				require.Len(t, entries, 1)
				assert.Equal(t, "e1", entries[0].ID)
			}
		})
	}
}

func TestOutcomeSummary(t *testing.T) {
	reader := &mockReader{summary: []outcomes.ChannelSummary{
		{Channel: "primary", Attempts: 3, Successes: 2, Failures: 1, Committed: 2, AvgLatencyMs: 150},
	}}
	env := newTestEnv(t, reader)

	rec := env.do(t, "GET", "/admin/outcomes/summary?since=2026-03-01T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"channel":"primary","attempts":3,"successes":2,"failures":1,"committed":2,"avg_latency_ms":150}]`, rec.Body.String())
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), reader.lastSince)
}

func TestOutcomes_Disabled(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/admin/outcomes", "/admin/outcomes/summary"} {
		rec := env.do(t, "GET", path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.JSONEq(t, `{"error":{"type":"not_found_error","message":"outcome log is disabled"}}`, rec.Body.String(), path)
	}
}
