package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onegate/internal/adapters"
	"onegate/internal/channel"
	"onegate/internal/core"
	"onegate/internal/dispatch"
	"onegate/internal/outcomes"
)

// stubAdapter answers Test with a fixed result.
type stubAdapter struct {
	desc   core.Descriptor
	ok     bool
	detail string
}

func (a *stubAdapter) Descriptor() core.Descriptor { return a.desc }

func (a *stubAdapter) Test(context.Context) (bool, string) { return a.ok, a.detail }

func (a *stubAdapter) Query(context.Context, *core.Request) core.Stream {
	return core.NewSliceStream(core.Chunk{FinishReason: core.FinishStop})
}

type testEnv struct {
	handler    *Handler
	dispatcher *dispatch.Dispatcher
	echo       *echo.Echo
}

func newTestEnv(t *testing.T, reader outcomes.Reader) *testEnv {
	t.Helper()

	registry := channel.NewRegistry()
	evaluator := channel.NewEvaluator(channel.EvaluatorConfig{FailureThreshold: 1})
	d := dispatch.New(registry, evaluator, nil, dispatch.Config{})

	require.NoError(t, d.AddChannel(channel.NewWithAdapter(
		channel.Spec{Name: "primary", AdapterType: "stub", Priority: 10, Enabled: true},
		&stubAdapter{desc: core.Descriptor{Name: "stub", SupportedModels: []string{"m1", "m2"}, FunctionCall: true, ConcurrentSafe: true}, ok: true},
	)))
	require.NoError(t, d.AddChannel(channel.NewWithAdapter(
		channel.Spec{Name: "backup", AdapterType: "stub", Priority: 1, Enabled: true},
		&stubAdapter{desc: core.Descriptor{Name: "stub", SupportedModels: []string{"m1"}, ConcurrentSafe: true}, detail: "cookie expired"},
	)))

	factory := adapters.NewFactory().MustAdd(adapters.Registration{
		Descriptor: core.Descriptor{Name: "stub", SupportedModels: []string{"m1"}},
		New: func(map[string]any) (core.Adapter, error) {
			return &stubAdapter{}, nil
		},
	})
	prober := channel.NewProber(registry.List, evaluator, time.Second)

	h := NewHandler(d, factory, prober, reader)
	e := echo.New()
	h.Register(e.Group("/admin"))
	return &testEnv{handler: h, dispatcher: d, echo: e}
}

func (env *testEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func TestOverview(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dispatcher.Registry().Get("backup").SetEnabled(false)

	rec := env.do(t, http.MethodGet, "/admin/overview")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp OverviewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, 2, resp.Channels)
	assert.Equal(t, 1, resp.EnabledChannels)
	assert.Equal(t, 0, resp.ExcludedChannels)
	assert.Equal(t, 2, resp.Models, "only enabled channels contribute models")
	assert.Equal(t, 1, resp.Adapters)
	assert.NotEmpty(t, resp.Uptime)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.GoVersion)
}

func TestHandleError_UnknownError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	require.NoError(t, handleError(c, assert.AnError))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":{"type":"internal_error","message":"an unexpected error occurred"}}`, rec.Body.String())
}
