package admin

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"onegate/internal/channel"
	"onegate/internal/core"
	"onegate/internal/outcomes"
)

// ListChannels handles GET /admin/channels.
// Channels are sorted by priority, highest first, then by name.
func (h *Handler) ListChannels(c echo.Context) error {
	channels := h.dispatcher.Registry().List()
	sort.SliceStable(channels, func(i, j int) bool {
		if channels[i].Priority() != channels[j].Priority() {
			return channels[i].Priority() > channels[j].Priority()
		}
		return channels[i].Name() < channels[j].Name()
	})

	views := make([]ChannelView, 0, len(channels))
	for _, ch := range channels {
		views = append(views, h.channelView(ch))
	}
	return c.JSON(http.StatusOK, views)
}

// GetChannel handles GET /admin/channels/:name.
func (h *Handler) GetChannel(c echo.Context) error {
	ch, err := h.lookup(c)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, h.channelView(ch))
}

// TestChannel handles POST /admin/channels/:name/test.
// It runs the adapter's live round trip and records the result like a
// background probe would.
func (h *Handler) TestChannel(c echo.Context) error {
	ch, err := h.lookup(c)
	if err != nil {
		return handleError(c, err)
	}
	if h.prober == nil {
		return handleError(c, core.NewNotFoundError("channel probing is not available"))
	}

	ok, detail := h.prober.Probe(c.Request().Context(), ch)
	return c.JSON(http.StatusOK, TestResult{
		Channel: ch.Name(),
		OK:      ok,
		Detail:  detail,
		Health:  h.dispatcher.Evaluator().Health(ch.Name()),
	})
}

// EnableChannel handles POST /admin/channels/:name/enable.
func (h *Handler) EnableChannel(c echo.Context) error {
	return h.setEnabled(c, true)
}

// DisableChannel handles POST /admin/channels/:name/disable.
func (h *Handler) DisableChannel(c echo.Context) error {
	return h.setEnabled(c, false)
}

func (h *Handler) setEnabled(c echo.Context, enabled bool) error {
	ch, err := h.lookup(c)
	if err != nil {
		return handleError(c, err)
	}
	ch.SetEnabled(enabled)
	return c.JSON(http.StatusOK, h.channelView(ch))
}

// ListAdapters handles GET /admin/adapters.
func (h *Handler) ListAdapters(c echo.Context) error {
	if h.factory == nil {
		return c.JSON(http.StatusOK, []core.Descriptor{})
	}
	return c.JSON(http.StatusOK, h.factory.Descriptors())
}

// Outcomes handles GET /admin/outcomes.
//
// Query parameters:
//   - channel: exact channel name
//   - request_id: exact request id
//   - since: RFC 3339 timestamp
//   - limit: maximum entries, newest first
func (h *Handler) Outcomes(c echo.Context) error {
	if h.outcomes == nil {
		return handleError(c, core.NewNotFoundError("outcome log is disabled"))
	}

	params := outcomes.QueryParams{
		Channel:   c.QueryParam("channel"),
		RequestID: c.QueryParam("request_id"),
	}
	since, err := parseSince(c)
	if err != nil {
		return handleError(c, err)
	}
	params.Since = since
	if l := c.QueryParam("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return handleError(c, core.NewInvalidRequestError("limit must be a positive integer", nil))
		}
		params.Limit = n
	}

	entries, err := h.outcomes.Recent(c.Request().Context(), params)
	if err != nil {
		return handleError(c, err)
	}
	if entries == nil {
		entries = []outcomes.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// OutcomeSummary handles GET /admin/outcomes/summary.
func (h *Handler) OutcomeSummary(c echo.Context) error {
	if h.outcomes == nil {
		return handleError(c, core.NewNotFoundError("outcome log is disabled"))
	}

	since, err := parseSince(c)
	if err != nil {
		return handleError(c, err)
	}
	summary, err := h.outcomes.Summary(c.Request().Context(), since)
	if err != nil {
		return handleError(c, err)
	}
	if summary == nil {
		summary = []outcomes.ChannelSummary{}
	}
	return c.JSON(http.StatusOK, summary)
}

func parseSince(c echo.Context) (time.Time, error) {
	s := c.QueryParam("since")
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, core.NewInvalidRequestError("invalid since format, expected RFC 3339", nil)
	}
	return t, nil
}

func (h *Handler) lookup(c echo.Context) (*channel.Channel, error) {
	name := c.Param("name")
	ch := h.dispatcher.Registry().Get(name)
	if ch == nil {
		return nil, core.NewNotFoundError("channel not found: " + name)
	}
	return ch, nil
}

func (h *Handler) channelView(ch *channel.Channel) ChannelView {
	desc := ch.Descriptor()
	models := desc.SupportedModels
	if models == nil {
		models = []string{}
	}
	return ChannelView{
		Name:         ch.Name(),
		AdapterType:  ch.AdapterType(),
		Priority:     ch.Priority(),
		Enabled:      ch.Enabled(),
		Models:       models,
		FunctionCall: desc.FunctionCall,
		Stream:       desc.Stream,
		Health:       h.dispatcher.Evaluator().Health(ch.Name()),
	}
}
