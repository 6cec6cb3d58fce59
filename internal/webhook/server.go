// Package webhook serves the routing-service callback endpoint and the
// relay health report.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"visitrelay/internal/service"
	"visitrelay/internal/status"
)

// MaxBodyBytes caps a callback body.
const MaxBodyBytes = 1 << 20

// CallbackHandler stores routing callbacks. *service.StatusService
// implements it.
type CallbackHandler interface {
	HandleCallbacks(ctx context.Context, body []byte, remoteAddr string) (*service.CallbackResult, error)
}

// HealthReporter reports relay counters. Running may be nil.
type HealthReporter struct {
	Health  *service.Health
	Running func() []string
}

// Server is the echo HTTP server behind the webhook.
type Server struct {
	echo      *echo.Echo
	callbacks CallbackHandler
	health    HealthReporter
	log       *zap.Logger
}

func New(callbacks CallbackHandler, health HealthReporter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if health.Health == nil {
		health.Health = service.NewHealth(nil)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, callbacks: callbacks, health: health, log: logger.Named("webhook")}
	e.Use(middleware.Recover())
	e.Use(s.requestLog)
	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes mounts the callback and health routes on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhook", s.HandleCallback)
	e.POST("/", s.HandleCallback)
	e.GET("/health", s.HandleHealth)
}

// Echo exposes the underlying router.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start listens on addr until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ── Handlers ───────────────────────────────────────────────

func (s *Server) HandleCallback(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxBodyBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if len(body) > MaxBodyBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
	}

	result, err := s.callbacks.HandleCallbacks(c.Request().Context(), body, c.RealIP())
	switch {
	case errors.Is(err, status.ErrBadBody):
		s.log.Warn("bad callback body", zap.Error(err))
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		s.log.Error("store callbacks", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error(), "result": result})
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) HandleHealth(c echo.Context) error {
	snap := s.health.Health.Snapshot()
	if s.health.Running != nil {
		snap.Running = s.health.Running()
	}
	return c.JSON(http.StatusOK, snap)
}

// requestLog logs every request at debug level and failures at warn.
func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("took", time.Since(start)),
			zap.String("remote", c.RealIP()),
		}
		if c.Response().Status >= http.StatusBadRequest {
			s.log.Warn("request", fields...)
		} else {
			s.log.Debug("request", fields...)
		}
		return nil
	}
}
