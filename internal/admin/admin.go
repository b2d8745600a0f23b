// Package admin provides HTTP handlers for the admin API: channel status
// and health, live channel tests, adapter descriptors and the outcome log.
package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"onegate/internal/adapters"
	"onegate/internal/channel"
	"onegate/internal/core"
	"onegate/internal/dispatch"
	"onegate/internal/outcomes"
)

// Handler serves admin API endpoints.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	factory    *adapters.Factory
	prober     *channel.Prober
	outcomes   outcomes.Reader
	startTime  time.Time
}

// NewHandler creates a new admin API handler.
// reader may be nil if the outcome log is disabled.
func NewHandler(d *dispatch.Dispatcher, factory *adapters.Factory, prober *channel.Prober, reader outcomes.Reader) *Handler {
	return &Handler{
		dispatcher: d,
		factory:    factory,
		prober:     prober,
		outcomes:   reader,
		startTime:  time.Now(),
	}
}

// Register mounts the admin routes on g.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/overview", h.Overview)
	g.GET("/channels", h.ListChannels)
	g.GET("/channels/:name", h.GetChannel)
	g.POST("/channels/:name/test", h.TestChannel)
	g.POST("/channels/:name/enable", h.EnableChannel)
	g.POST("/channels/:name/disable", h.DisableChannel)
	g.GET("/adapters", h.ListAdapters)
	g.GET("/outcomes", h.Outcomes)
	g.GET("/outcomes/summary", h.OutcomeSummary)
}

// handleError converts errors to appropriate HTTP responses, matching the
// format used by the main API handlers in the server package.
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
