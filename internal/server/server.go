// Package server assembles the HTTP surface of the messaging runtime.
package server

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/agentjido/messaging/internal/handlers"
)

type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(addr string, pingHandler *handlers.PingHandler, webhookHandler *handlers.WebhookHandler, configHandler *handlers.ConfigHandler, roomHandler *handlers.RoomHandler, deadLetterHandler *handlers.DeadLetterHandler) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	if pingHandler != nil {
		pingHandler.Register(e)
	}
	if webhookHandler != nil {
		webhookHandler.Register(e)
	}
	if configHandler != nil {
		configHandler.Register(e)
	}
	if roomHandler != nil {
		roomHandler.Register(e)
	}
	if deadLetterHandler != nil {
		deadLetterHandler.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

// Echo exposes the underlying echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
