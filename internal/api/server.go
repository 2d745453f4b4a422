package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/iqstream/internal/logger"
)

const (
	// DefaultShutdownTimeout bounds graceful shutdown of open requests
	DefaultShutdownTimeout = 5 * time.Second
	defaultBodyLimit       = "1M"
)

// Server runs the control API on its own listener
type Server struct {
	echo            *echo.Echo
	controller      *Controller
	listen          string
	shutdownTimeout time.Duration
	log             logger.Logger
	listener        net.Listener
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithShutdownTimeout sets how long Run waits for open requests on shutdown.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithListener serves on an existing listener instead of opening listen.
func WithListener(l net.Listener) ServerOption {
	return func(s *Server) {
		s.listener = l
	}
}

// New creates the API server for deps on listen
func New(listen string, deps Deps, opts ...ServerOption) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = logger.Global().Module("api")
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:            e,
		listen:          listen,
		shutdownTimeout: DefaultShutdownTimeout,
		log:             deps.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupMiddleware()

	c, err := NewController(e, deps)
	if err != nil {
		return nil, err
	}
	s.controller = c
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.BodyLimit(defaultBodyLimit))
	s.echo.Use(NewRequestLogger(s.log))
}

// NewRequestLogger logs each request at debug level, and failed requests at
// warn. Health checks and scrapes are skipped.
func NewRequestLogger(log logger.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			p := c.Request().URL.Path
			return p == "/health" || p == "/metrics" || strings.HasSuffix(p, "/stream")
		},
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			level := logger.LogLevelDebug
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
				level = logger.LogLevelWarn
			}
			log.Log(level, "request", fields...)
			return nil
		},
	})
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr returns the bound address once Run is listening, nil before
func (s *Server) Addr() net.Addr {
	return s.echo.ListenerAddr()
}

// Controller returns the route handlers
func (s *Server) Controller() *Controller {
	return s.controller
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	if s.listener != nil {
		s.echo.Listener = s.listener
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API server starting", logger.String("address", s.listen))
		if err := s.echo.Start(s.listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.log.Error("API server error", logger.Error(err))
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Stopping API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.Error("API server shutdown error", logger.Error(err))
		return err
	}
	return nil
}
