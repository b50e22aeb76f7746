package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/agentjido/messaging/internal/configstore"
	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/runtime"
)

// ConfigHandler manages bridge configs, room bindings and routing
// policies. Writes carry the caller's revision for optimistic
// concurrency; a stale revision is a 409.
type ConfigHandler struct {
	instance *runtime.Instance
	logger   *slog.Logger
}

func NewConfigHandler(instance *runtime.Instance) *ConfigHandler {
	return &ConfigHandler{
		instance: instance,
		logger:   logger.L.With(slog.String("handler", "config")),
	}
}

func (h *ConfigHandler) Register(e *echo.Echo) {
	bridges := e.Group("/config/bridges")
	bridges.GET("", h.ListBridges)
	bridges.PUT("/:id", h.PutBridge)
	bridges.GET("/:id", h.GetBridge)
	bridges.DELETE("/:id", h.DeleteBridge)

	policies := e.Group("/config/policies")
	policies.PUT("/:room_id", h.PutPolicy)
	policies.GET("/:room_id", h.GetPolicy)
	policies.DELETE("/:room_id", h.DeletePolicy)

	e.POST("/config/bindings", h.CreateBinding)
	e.DELETE("/config/bindings/:id", h.DeleteBinding)
	e.GET("/rooms/:room_id/bindings", h.ListRoomBindings)
}

func configError(err error) error {
	switch {
	case errors.Is(err, configstore.ErrRevisionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, configstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, configstore.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *ConfigHandler) ListBridges(c echo.Context) error {
	return c.JSON(http.StatusOK, h.instance.ListBridgeConfigs())
}

func (h *ConfigHandler) PutBridge(c echo.Context) error {
	var cfg configstore.BridgeConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg.ID = strings.TrimSpace(c.Param("id"))
	saved, err := h.instance.PutBridgeConfig(c.Request().Context(), cfg)
	if err != nil {
		return configError(err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (h *ConfigHandler) GetBridge(c echo.Context) error {
	cfg, ok := h.instance.GetBridgeConfig(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "bridge not found")
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *ConfigHandler) DeleteBridge(c echo.Context) error {
	if err := h.instance.DeleteBridgeConfig(c.Request().Context(), c.Param("id")); err != nil {
		return configError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ConfigHandler) PutPolicy(c echo.Context) error {
	var policy configstore.RoutingPolicy
	if err := c.Bind(&policy); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	policy.RoomID = strings.TrimSpace(c.Param("room_id"))
	saved, err := h.instance.PutRoutingPolicy(c.Request().Context(), policy)
	if err != nil {
		return configError(err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (h *ConfigHandler) GetPolicy(c echo.Context) error {
	policy, ok := h.instance.GetRoutingPolicy(c.Param("room_id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "policy not found")
	}
	return c.JSON(http.StatusOK, policy)
}

func (h *ConfigHandler) DeletePolicy(c echo.Context) error {
	if err := h.instance.DeleteRoutingPolicy(c.Request().Context(), c.Param("room_id")); err != nil {
		return configError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ConfigHandler) CreateBinding(c echo.Context) error {
	var binding configstore.RoomBinding
	if err := c.Bind(&binding); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	saved, err := h.instance.CreateRoomBinding(c.Request().Context(), binding)
	if err != nil {
		return configError(err)
	}
	return c.JSON(http.StatusCreated, saved)
}

func (h *ConfigHandler) DeleteBinding(c echo.Context) error {
	if err := h.instance.DeleteRoomBinding(c.Request().Context(), c.Param("id")); err != nil {
		return configError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ConfigHandler) ListRoomBindings(c echo.Context) error {
	return c.JSON(http.StatusOK, h.instance.ListRoomBindings(c.Param("room_id")))
}
