package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/signpulse/internal/adapter/metrics"
	"github.com/pscheid92/signpulse/internal/broker"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/pscheid92/signpulse/internal/platform/config"
)

type appService interface {
	Connect(ctx context.Context, caller domain.Identity, deviceID string, channels []string) (domain.Session, error)
	Disconnect(ctx context.Context, caller domain.Identity, sessionID, deviceID string) (int, error)
	Heartbeat(ctx context.Context, caller domain.Identity, sessionID string) error
	Subscribe(ctx context.Context, caller domain.Identity, sessionID, channel string) error
	Unsubscribe(ctx context.Context, caller domain.Identity, sessionID, channel string) error
	Publish(ctx context.Context, caller domain.Identity, addr domain.Addressing, msg domain.Message) (int, error)
	Session(ctx context.Context, caller domain.Identity, sessionID string) (domain.Session, error)
	Status(ctx context.Context, caller domain.Identity) broker.Snapshot
	ClusterStatus(ctx context.Context, caller domain.Identity) ([]domain.ClusterSession, error)
	Device(ctx context.Context, caller domain.Identity, deviceID string) (domain.DeviceRecord, error)
	Devices(ctx context.Context, caller domain.Identity) ([]domain.DeviceRecord, error)
}

type authenticator interface {
	Authenticate(header string) (domain.Identity, error)
	AuthenticateToken(token string) (domain.Identity, error)
}

// socketServer attaches an upgraded connection to a session and blocks until it ends.
type socketServer interface {
	Serve(w http.ResponseWriter, r *http.Request, sessionID string) error
	Connections() int
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	app     appService
	gate    authenticator
	sockets socketServer

	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	healthChecks []HealthCheck
	sessions     sessionCounter
	startTime    time.Time
	draining     atomic.Bool
}

type Dependencies struct {
	App          appService
	Gate         authenticator
	Sockets      socketServer
	Registry     *prometheus.Registry
	HTTPMetrics  *metrics.HTTPMetrics
	HealthChecks []HealthCheck
	Sessions     sessionCounter
}

func NewServer(cfg *config.Config, deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()

	srv := &Server{
		echo:         e,
		config:       cfg,
		app:          deps.App,
		gate:         deps.Gate,
		sockets:      deps.Sockets,
		registry:     deps.Registry,
		httpMetrics:  deps.HTTPMetrics,
		healthChecks: deps.HealthChecks,
		sessions:     deps.Sessions,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown flips readiness to draining before closing listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP lets tests drive the full middleware chain.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
