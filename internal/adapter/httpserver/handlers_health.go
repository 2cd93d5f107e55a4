package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/signpulse/internal/platform/version"
	"golang.org/x/sync/errgroup"
)

const (
	startupCheckTimeout   = 2 * time.Second
	readinessCheckTimeout = 5 * time.Second
)

// HealthCheck is a named dependency check (Redis, Postgres, NATS).
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// sessionCounter reports the sessions held by this instance.
type sessionCounter interface {
	Len() int
}

type healthReport struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks,omitempty"`
	Sessions    *int              `json:"sessions,omitempty"`
	Connections *int              `json:"connections,omitempty"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupCheckTimeout)
	defer cancel()

	checks, healthy := s.runHealthChecks(ctx)
	report := healthReport{Status: "ready", Checks: checks}
	if !healthy {
		report.Status = "unhealthy"
	}
	return writeHealth(c, healthy, report)
}

// handleLiveness never touches dependencies; a broker that lost Redis keeps
// serving its local sessions.
func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness reports every dependency plus the instance's session and
// socket counts. Once shutdown has begun the instance reports draining so the
// load balancer stops routing new connections to it.
func (s *Server) handleReadiness(c echo.Context) error {
	report := healthReport{}
	if s.sessions != nil {
		n := s.sessions.Len()
		report.Sessions = &n
	}
	if s.sockets != nil {
		n := s.sockets.Connections()
		report.Connections = &n
	}

	if s.draining.Load() {
		report.Status = "draining"
		return writeHealth(c, false, report)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessCheckTimeout)
	defer cancel()

	checks, healthy := s.runHealthChecks(ctx)
	report.Checks = checks
	report.Status = "ready"
	if !healthy {
		report.Status = "unhealthy"
	}
	return writeHealth(c, healthy, report)
}

// runHealthChecks runs every check concurrently and returns "ok" or the
// error text per check name.
func (s *Server) runHealthChecks(ctx context.Context) (map[string]string, bool) {
	if len(s.healthChecks) == 0 {
		return nil, true
	}

	results := make([]error, len(s.healthChecks))
	var g errgroup.Group
	for i, hc := range s.healthChecks {
		g.Go(func() error {
			results[i] = hc.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	checks := make(map[string]string, len(results))
	healthy := true
	for i, err := range results {
		if err != nil {
			checks[s.healthChecks[i].Name] = err.Error()
			healthy = false
			continue
		}
		checks[s.healthChecks[i].Name] = "ok"
	}
	return checks, healthy
}

func writeHealth(c echo.Context, healthy bool, report healthReport) error {
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	if err := c.JSON(code, report); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
