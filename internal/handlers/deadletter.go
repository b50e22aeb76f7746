package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/agentjido/messaging/internal/deadletter"
	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/runtime"
	"github.com/agentjido/messaging/internal/store"
)

// DeadLetterHandler exposes the dead-letter store: inspection, replay,
// archive and purge.
type DeadLetterHandler struct {
	instance *runtime.Instance
	logger   *slog.Logger
}

func NewDeadLetterHandler(instance *runtime.Instance) *DeadLetterHandler {
	return &DeadLetterHandler{
		instance: instance,
		logger:   logger.L.With(slog.String("handler", "deadletter")),
	}
}

func (h *DeadLetterHandler) Register(e *echo.Echo) {
	group := e.Group("/dead_letters")
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.POST("/:id/replay", h.Replay)
	group.POST("/:id/archive", h.Archive)
	group.DELETE("", h.Purge)
}

func deadLetterFilter(c echo.Context) store.DeadLetterFilter {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	return store.DeadLetterFilter{
		Status:   store.DeadLetterStatus(c.QueryParam("status")),
		BridgeID: c.QueryParam("bridge_id"),
		Limit:    limit,
	}
}

func (h *DeadLetterHandler) List(c echo.Context) error {
	records, err := h.instance.ListDeadLetters(c.Request().Context(), deadLetterFilter(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, records)
}

func (h *DeadLetterHandler) Get(c echo.Context) error {
	record, err := h.instance.GetDeadLetter(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "dead letter not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, record)
}

func (h *DeadLetterHandler) Replay(c echo.Context) error {
	var opts deadletter.ReplayOptions
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.instance.ReplayDeadLetter(c.Request().Context(), c.Param("id"), opts)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "dead letter not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("dead letter replay",
		slog.String("id", c.Param("id")),
		slog.String("status", string(result.Status)))
	return c.JSON(http.StatusOK, result)
}

func (h *DeadLetterHandler) Archive(c echo.Context) error {
	record, err := h.instance.ArchiveDeadLetter(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "dead letter not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, record)
}

func (h *DeadLetterHandler) Purge(c echo.Context) error {
	n, err := h.instance.PurgeDeadLetters(c.Request().Context(), deadLetterFilter(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"purged": n})
}
