// Package server provides HTTP handlers and server setup for the LLM gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"onegate/internal/core"
	"onegate/internal/dispatch"
)

// Handler holds the HTTP handlers
type Handler struct {
	dispatcher  *dispatch.Dispatcher
	healthCheck func(ctx context.Context) error
	now         func() time.Time
}

// NewHandler creates a new handler over the dispatcher. healthCheck may be nil.
func NewHandler(d *dispatch.Dispatcher, healthCheck func(ctx context.Context) error) *Handler {
	return &Handler{
		dispatcher:  d,
		healthCheck: healthCheck,
		now:         time.Now,
	}
}

// ChatCompletion handles POST /v1/chat/completions
func (h *Handler) ChatCompletion(c echo.Context) error {
	var body chatRequest
	if err := c.Bind(&body); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	req := body.toCore()
	created := h.now().Unix()

	if req.Stream {
		return h.streamCompletion(c, req, created)
	}

	chunk, err := h.dispatcher.Complete(c.Request().Context(), req)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, completionResponse(req.Model, created, chunk))
}

// streamCompletion relays chunks as chat.completion.chunk SSE events.
// Headers are written with the first chunk, so failures that happen before
// any channel committed are still reported as plain JSON errors.
func (h *Handler) streamCompletion(c echo.Context, req *core.Request, created int64) error {
	sse := &sseWriter{c: c, model: req.Model, created: created}

	err := h.dispatcher.Handle(c.Request().Context(), req, sse.emit)
	if !sse.started {
		if err != nil {
			return handleError(c, err)
		}
		return nil
	}
	if err != nil {
		// The client is gone or stopped reading; nothing more can be sent.
		slog.Debug("stream ended early", "request_id", core.GetRequestID(c.Request().Context()), "error", err)
		return nil
	}
	sse.done()
	return nil
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, core.ModelsResponse{
		Object: "list",
		Data:   h.dispatcher.Registry().ListModels(),
	})
}

// handleError converts gateway errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}
	if errors.Is(err, context.Canceled) {
		return c.NoContent(499)
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}

type sseWriter struct {
	c        echo.Context
	model    string
	created  int64
	started  bool
	sentRole bool
}

func (w *sseWriter) emit(chunk core.Chunk) error {
	if !w.started {
		header := w.c.Response().Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		w.c.Response().WriteHeader(http.StatusOK)
		w.started = true
	}

	if chunk.FinishReason == core.FinishError {
		return w.write(map[string]any{
			"error": map[string]any{
				"type":    "backend_error",
				"message": chunk.NormalMessage,
			},
		})
	}

	delta := &chatMessage{FunctionCall: chunk.FunctionCall}
	if !w.sentRole {
		delta.Role = core.RoleAssistant
		w.sentRole = true
	}
	if chunk.NormalMessage != "" {
		content := chunk.NormalMessage
		delta.Content = &content
	}
	choice := chatChoice{Index: 0, Delta: delta}
	if chunk.FinishReason.Terminal() {
		reason := string(chunk.FinishReason)
		choice.FinishReason = &reason
	}

	return w.write(chatResponse{
		ID:      completionID(chunk),
		Object:  "chat.completion.chunk",
		Created: w.created,
		Model:   w.model,
		Choices: []chatChoice{choice},
	})
}

func (w *sseWriter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}
	w.c.Response().Flush()
	return nil
}

func (w *sseWriter) done() {
	if _, err := fmt.Fprint(w.c.Response(), "data: [DONE]\n\n"); err == nil {
		w.c.Response().Flush()
	}
}
