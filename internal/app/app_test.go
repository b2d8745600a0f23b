package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onegate/config"
	"onegate/internal/adapters"
	"onegate/internal/core"
)

type echoAdapter struct {
	reply string
}

var echoDescriptor = core.Descriptor{Name: "echo", SupportedModels: []string{"echo-1"}, ConcurrentSafe: true}

func (a *echoAdapter) Descriptor() core.Descriptor { return echoDescriptor }

func (a *echoAdapter) Test(context.Context) (bool, string) { return true, "" }

func (a *echoAdapter) Query(context.Context, *core.Request) core.Stream {
	return core.NewSliceStream(core.Chunk{ID: 1, FinishReason: core.FinishStop, NormalMessage: a.reply})
}

var echoRegistration = adapters.Registration{
	Descriptor: echoDescriptor,
	New: func(cfg map[string]any) (core.Adapter, error) {
		var c struct {
			Reply string `mapstructure:"reply"`
		}
		if err := adapters.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		return &echoAdapter{reply: c.Reply}, nil
	},
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server:    config.ServerConfig{Port: "0"},
		Dispatch:  config.DispatchConfig{AttemptTimeout: 5},
		Evaluator: config.EvaluatorConfig{FailureThreshold: 3},
		Probe:     config.ProbeConfig{Interval: 0, Timeout: 5},
		Cache: config.CacheConfig{
			Type:  "local",
			Local: config.LocalCacheConfig{Path: filepath.Join(dir, "health.json")},
		},
		Storage: config.StorageConfig{
			Type:   "sqlite",
			SQLite: config.SQLiteStorageConfig{Path: filepath.Join(dir, "onegate.db")},
		},
		Outcomes: config.OutcomesConfig{Enabled: true, BufferSize: 10, FlushInterval: 1, RetentionDays: 0},
		Channels: []config.ChannelConfig{
			{Name: "echo-main", Type: "echo", Priority: 1, Config: map[string]any{"reply": "pong"}},
			{Name: "mystery", Type: "does-not-exist"},
		},
	}
}

func TestNew_Validation(t *testing.T) {
	factory := adapters.NewFactory()

	_, err := New(context.Background(), Config{Factory: factory})
	assert.EqualError(t, err, "app config is required")

	_, err = New(context.Background(), Config{AppConfig: &config.LoadResult{}, Factory: factory})
	assert.EqualError(t, err, "app config contains nil Config")

	_, err = New(context.Background(), Config{AppConfig: &config.LoadResult{Config: testConfig(t)}})
	assert.EqualError(t, err, "factory is required")
}

func TestApp_ServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	factory := adapters.NewFactory().MustAdd(echoRegistration)

	app, err := New(context.Background(), Config{AppConfig: &config.LoadResult{Config: cfg}, Factory: factory})
	require.NoError(t, err)

	channels := app.Dispatcher().Registry().List()
	require.Len(t, channels, 1, "unknown adapter types are skipped")
	assert.Equal(t, "echo-main", channels[0].Name())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"echo-1","messages":[{"role":"user","content":"ping"}]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"content":"pong"`)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, app.Shutdown(context.Background()))
	require.NoError(t, app.Shutdown(context.Background()), "shutdown is idempotent")

	_, err = os.Stat(cfg.Cache.Local.Path)
	assert.NoError(t, err, "health snapshot is written on shutdown")
}

func TestApp_ReloadChannels(t *testing.T) {
	cfg := testConfig(t)
	cfg.Outcomes.Enabled = false
	cfg.Cache.Type = "none"
	factory := adapters.NewFactory().MustAdd(echoRegistration)

	app, err := New(context.Background(), Config{AppConfig: &config.LoadResult{Config: cfg}, Factory: factory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	err = app.ReloadChannels([]config.ChannelConfig{
		{Name: "echo-a", Type: "echo", Config: map[string]any{"reply": "a"}},
		{Name: "echo-b", Type: "echo", Config: map[string]any{"reply": "b"}},
	})
	require.NoError(t, err)

	registry := app.Dispatcher().Registry()
	assert.Equal(t, 2, registry.Len())
	assert.Nil(t, registry.Get("echo-main"))
	assert.NotNil(t, registry.Get("echo-b"))
}

func TestBuildChannels_DisabledEntry(t *testing.T) {
	disabled := false
	factory := adapters.NewFactory().MustAdd(echoRegistration)

	channels := BuildChannels([]config.ChannelConfig{
		{Name: "off", Type: "echo", Enabled: &disabled},
		{Name: "", Type: "echo"},
	}, factory)

	require.Len(t, channels, 1)
	assert.Equal(t, "off", channels[0].Name())
	assert.False(t, channels[0].Enabled())
}
