package admin

import (
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"onegate/internal/version"
)

// Overview handles GET /admin/overview.
func (h *Handler) Overview(c echo.Context) error {
	uptime := time.Since(h.startTime).Round(time.Second)

	resp := OverviewResponse{
		Models:    len(h.dispatcher.Registry().ListModels()),
		Uptime:    uptime.String(),
		Version:   version.Version,
		GoVersion: runtime.Version(),
	}
	for _, ch := range h.dispatcher.Registry().List() {
		resp.Channels++
		if ch.Enabled() {
			resp.EnabledChannels++
		}
		if h.dispatcher.Evaluator().Excluded(ch.Name()) {
			resp.ExcludedChannels++
		}
	}
	if h.factory != nil {
		resp.Adapters = len(h.factory.ListRegistered())
	}

	return c.JSON(http.StatusOK, resp)
}
