// Package handlers exposes the runtime over HTTP. Each handler wraps
// one API group and registers its routes on the echo instance.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/runtime"
)

type PingHandler struct {
	instance *runtime.Instance
	logger   *slog.Logger
}

func NewPingHandler(instance *runtime.Instance) *PingHandler {
	return &PingHandler{
		instance: instance,
		logger:   logger.L.With(slog.String("handler", "ping")),
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/health", h.Health)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Health reports bridge worker health and outbound queue depths.
func (h *PingHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, h.instance.Health())
}
