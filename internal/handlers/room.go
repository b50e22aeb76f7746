package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/outbound"
	"github.com/agentjido/messaging/internal/runtime"
	"github.com/agentjido/messaging/internal/store"
)

// RoomHandler reads rooms and their message history, and lets callers
// send into a room through the outbound router.
type RoomHandler struct {
	instance *runtime.Instance
	logger   *slog.Logger
}

func NewRoomHandler(instance *runtime.Instance) *RoomHandler {
	return &RoomHandler{
		instance: instance,
		logger:   logger.L.With(slog.String("handler", "room")),
	}
}

func (h *RoomHandler) Register(e *echo.Echo) {
	rooms := e.Group("/rooms")
	rooms.GET("", h.ListRooms)
	rooms.POST("", h.CreateRoom)
	rooms.GET("/:id", h.GetRoom)
	rooms.GET("/:id/messages", h.ListMessages)
	rooms.POST("/:id/outbound", h.SendOutbound)
}

func (h *RoomHandler) ListRooms(c echo.Context) error {
	rooms, err := h.instance.ListRooms(c.Request().Context(), store.RoomFilter{
		Type:       store.RoomType(c.QueryParam("type")),
		NamePrefix: c.QueryParam("name_prefix"),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rooms)
}

func (h *RoomHandler) CreateRoom(c echo.Context) error {
	var room store.Room
	if err := c.Bind(&room); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	saved, err := h.instance.SaveRoom(c.Request().Context(), room)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, saved)
}

func (h *RoomHandler) GetRoom(c echo.Context) error {
	room, err := h.instance.GetRoom(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "room not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, room)
}

func (h *RoomHandler) ListMessages(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	messages, err := h.instance.ListMessages(c.Request().Context(), c.Param("id"), store.MessageFilter{
		Role:   store.Role(c.QueryParam("role")),
		Status: store.MessageStatus(c.QueryParam("status")),
		Limit:  limit,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, messages)
}

type outboundRequest struct {
	Text string         `json:"text"`
	Opts map[string]any `json:"opts,omitempty"`
}

// SendOutbound routes a text message to the room's configured bridges.
func (h *RoomHandler) SendOutbound(c echo.Context) error {
	var req outboundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	dispatches, err := h.instance.RouteOutbound(c.Request().Context(), c.Param("id"), req.Text, req.Opts)
	if err != nil {
		if errors.Is(err, outbound.ErrNoRoute) {
			return echo.NewHTTPError(http.StatusNotFound, "no outbound route for room")
		}
		return c.JSON(http.StatusBadGateway, map[string]any{
			"error":      err.Error(),
			"dispatches": dispatches,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"dispatches": dispatches})
}
