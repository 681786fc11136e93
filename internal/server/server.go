package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/widgetsync/internal/config"
	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/pscheid92/widgetsync/internal/websocket"
	goredis "github.com/redis/go-redis/v9"
)

// appService is the slice of the application layer the transport needs.
type appService interface {
	Connect(ctx context.Context, connectionID string, auth domain.AuthContext) error
	Disconnect(ctx context.Context, connectionID string) error
	Subscribe(ctx context.Context, connectionID, widgetID string) error
	Unsubscribe(ctx context.Context, connectionID, widgetID string) error
	Action(ctx context.Context, connectionID, widgetID, action string, payload map[string]any) error
}

// connectionAuthorizer decides whether a connection attempt may proceed.
type connectionAuthorizer interface {
	Decide(ctx context.Context, token string) domain.Decision
}

type Server struct {
	echo       *echo.Echo
	config     *config.Config
	app        appService
	authorizer connectionAuthorizer
	hub        *websocket.Hub
	rdb        *goredis.Client
	pool       *pgxpool.Pool
	startTime  time.Time
}

// NewServer wires the transport. rdb and pool may be nil in tests, which
// skips their readiness checks.
func NewServer(cfg *config.Config, app appService, authorizer connectionAuthorizer, hub *websocket.Hub, rdb *goredis.Client, pool *pgxpool.Pool) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:       e,
		config:     cfg,
		app:        app,
		authorizer: authorizer,
		hub:        hub,
		rdb:        rdb,
		pool:       pool,
		startTime:  time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
