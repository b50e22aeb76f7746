package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/runtime"
)

// WebhookHandler receives platform callbacks and feeds them to the
// inbound router. The response status and body come from the adapter's
// formatter, so each platform sees the acknowledgement shape it expects.
type WebhookHandler struct {
	instance *runtime.Instance
	logger   *slog.Logger
}

func NewWebhookHandler(instance *runtime.Instance) *WebhookHandler {
	return &WebhookHandler{
		instance: instance,
		logger:   logger.L.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/:bridge_id", h.Receive)
}

func (h *WebhookHandler) Receive(c echo.Context) error {
	bridgeID := strings.TrimSpace(c.Param("bridge_id"))
	if bridgeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "bridge id is required")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}

	query := map[string]string{}
	for key, values := range c.QueryParams() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	meta := adapter.RequestMeta{
		Headers: c.Request().Header,
		Query:   query,
		Body:    body,
	}

	resp, result := h.instance.RouteWebhook(c.Request().Context(), bridgeID, meta)
	h.logger.Debug("webhook routed",
		slog.String("bridge_id", bridgeID),
		slog.String("outcome", string(result.Status)),
		slog.Int("http_status", resp.Status))
	if resp.Body == nil {
		return c.NoContent(resp.Status)
	}
	return c.JSON(resp.Status, resp.Body)
}
