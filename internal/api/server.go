// Package api exposes the HTTP surface: forking rooms, submitting turns,
// and reading history.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/chatbranch/internal/chatlog"
	"github.com/chatbranch/internal/fork"
	"github.com/chatbranch/internal/store"
)

// Forker creates branch rooms.
type Forker interface {
	Fork(ctx context.Context, req fork.Request) (*fork.Result, error)
}

// Chat accepts user turns.
type Chat interface {
	SubmitUserTurn(ctx context.Context, roomID string, userID int64, userName, text string) (*chatlog.Record, error)
}

// Catalog is the slice of the relational store the handlers read.
type Catalog interface {
	GetRoom(ctx context.Context, roomID string) (*store.Room, error)
	GetCharacterByRoom(ctx context.Context, roomID string) (*store.CharacterCard, error)
	ListRelations(ctx context.Context, limit, offset int) ([]*store.ForkRelation, int, error)
}

// MessageLog is the slice of the document store the handlers read.
type MessageLog interface {
	History(ctx context.Context, roomID string, lastFloor int) ([]chatlog.Record, error)
}

// Server represents the API server.
type Server struct {
	echo   *echo.Echo
	port   int
	logger zerolog.Logger

	forker Forker
	chat   Chat
	db     Catalog
	log    MessageLog
}

// NewServer creates a new API server.
func NewServer(port int, jwtSecret string, forker Forker, chat Chat, db Catalog, log MessageLog, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger(logger))
	e.Use(rateLimitByIP(newIPLimiter(defaultRateLimit())))

	server := &Server{
		echo:   e,
		port:   port,
		logger: logger.With().Str("component", "api").Logger(),
		forker: forker,
		chat:   chat,
		db:     db,
		log:    log,
	}

	server.setupRoutes(jwtSecret)

	return server
}

// setupRoutes configures all API endpoints.
func (s *Server) setupRoutes(jwtSecret string) {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	api := s.echo.Group("/api")
	api.GET("/fork/preview", s.forkPreview)
	api.GET("/fork/relations", s.forkRelations)
	api.GET("/chat/history", s.chatHistory)

	authed := api.Group("", RequireAuth(jwtSecret))
	authed.POST("/fork", s.forkRoom)
	authed.POST("/chat/turn", s.submitTurn)
}

// Start begins the API server and blocks until interrupted.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal().Err(err).Msg("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

// requestLogger logs every request with zerolog after it completes.
func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug().
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", c.Response().Status).
				Dur("elapsed", time.Since(start)).
				Msg("request")
			return err
		}
	}
}

// envelope is the JSON shape every endpoint responds with.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func respondOK(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, envelope{Code: 0, Message: "success", Data: data})
}

func respondError(c echo.Context, status int, message string) error {
	return c.JSON(status, envelope{Code: 1, Message: message})
}
