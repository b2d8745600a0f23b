package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onegate/internal/admin"
	"onegate/internal/channel"
	"onegate/internal/core"
)

func TestRequestIDMiddleware(t *testing.T) {
	d, adapters := newTestDispatcher(t, testChannel{name: "a", chunks: []core.Chunk{stop("ok")}})
	srv := New(d, nil)

	t.Run("generates request ID when missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		got := rec.Header().Get("X-Request-ID")
		if len(got) != 36 {
			t.Errorf("expected UUID (36 chars), got %q (%d chars)", got, len(got))
		}
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "my-custom-id")
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if got := rec.Header().Get("X-Request-ID"); got != "my-custom-id" {
			t.Errorf("expected response header X-Request-ID to be %q, got %q", "my-custom-id", got)
		}
	})

	t.Run("request ID reaches the dispatcher", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(simpleChat))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", "trace-42")

		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "trace-42", adapters["a"].lastRequestID)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		config         *Config
		requestPath    string
		expectedStatus int
		expectBody     string
	}{
		{
			name:           "enabled at default path",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/metrics"},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
			expectBody:     "go_goroutines",
		},
		{
			name:           "empty endpoint uses default",
			config:         &Config{MetricsEnabled: true},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
			expectBody:     "go_goroutines",
		},
		{
			name:           "disabled",
			config:         &Config{MetricsEnabled: false, MetricsEndpoint: "/metrics"},
			requestPath:    "/metrics",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "custom path",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/monitoring/metrics"},
			requestPath:    "/monitoring/metrics",
			expectedStatus: http.StatusOK,
			expectBody:     "onegate_dispatch",
		},
		{
			name:           "custom path hides default",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/custom-metrics"},
			requestPath:    "/metrics",
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDispatcher(t, testChannel{name: "a", chunks: []core.Chunk{stop("ok")}})
			srv := New(d, tt.config)
			// Touch the dispatcher so its metric families are populated.
			postChat(t, srv, simpleChat)

			req := httptest.NewRequest(http.MethodGet, tt.requestPath, nil)
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectBody != "" && !strings.Contains(rec.Body.String(), tt.expectBody) {
				t.Errorf("expected body to contain %q", tt.expectBody)
			}
		})
	}
}

func TestResolveMetricsPath(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"", "/metrics"},
		{"/metrics", "/metrics"},
		{"metrics", "/metrics"},
		{"/a/b/../c", "/a/c"},
		{"/v1/metrics", "/metrics"},
		{"/v1", "/metrics"},
		{"/foo/../v1/models", "/metrics"},
		{"/admin/metrics", "/metrics"},
		{"/administrator", "/administrator"},
		{"/health", "/metrics"},
		{"/", "/metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveMetricsPath(tt.endpoint))
		})
	}
}

func TestServerWithMasterKeyAndMetrics(t *testing.T) {
	d, _ := newTestDispatcher(t, testChannel{name: "a", chunks: []core.Chunk{stop("ok")}})
	srv := New(d, &Config{
		MasterKey:       "test-secret-key",
		MetricsEnabled:  true,
		MetricsEndpoint: "/metrics",
	})

	tests := []struct {
		name       string
		path       string
		authHeader string
		wantStatus int
	}{
		{name: "metrics is public", path: "/metrics", wantStatus: http.StatusOK},
		{name: "health is public", path: "/health", wantStatus: http.StatusOK},
		{name: "API requires auth", path: "/v1/models", wantStatus: http.StatusUnauthorized},
		{name: "API with valid auth", path: "/v1/models", authHeader: "Bearer test-secret-key", wantStatus: http.StatusOK},
		{name: "API with wrong key", path: "/v1/models", authHeader: "Bearer nope", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestAdminEndpoints(t *testing.T) {
	d, _ := newTestDispatcher(t, testChannel{name: "a", chunks: []core.Chunk{stop("ok")}})
	prober := channel.NewProber(d.Registry().List, d.Evaluator(), time.Second)

	t.Run("mounted behind auth", func(t *testing.T) {
		srv := New(d, &Config{
			MasterKey:    "test-secret-key",
			AdminHandler: admin.NewHandler(d, nil, prober, nil),
		})

		req := httptest.NewRequest(http.MethodGet, "/admin/channels", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req = httptest.NewRequest(http.MethodGet, "/admin/channels", nil)
		req.Header.Set("Authorization", "Bearer test-secret-key")
		rec = httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"name":"a"`)
	})

	t.Run("absent without handler", func(t *testing.T) {
		srv := New(d, nil)

		req := httptest.NewRequest(http.MethodGet, "/admin/channels", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestConfigurableBodySizeLimit(t *testing.T) {
	tests := []struct {
		name       string
		config     *Config
		bodySize   int
		wantTooBig bool
	}{
		{name: "default accepts 9MB", config: nil, bodySize: 9 * 1024 * 1024},
		{name: "default rejects 11MB", config: nil, bodySize: 11 * 1024 * 1024, wantTooBig: true},
		{name: "500K accepts 400KB", config: &Config{BodySizeLimit: "500K"}, bodySize: 400 * 1024},
		{name: "500K rejects 600KB", config: &Config{BodySizeLimit: "500K"}, bodySize: 600 * 1024, wantTooBig: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDispatcher(t)
			srv := New(d, tt.config)

			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(strings.Repeat("x", tt.bodySize)))
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if tt.wantTooBig {
				assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
			} else {
				assert.NotEqual(t, http.StatusRequestEntityTooLarge, rec.Code)
			}
		})
	}
}
