package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/signpulse/internal/domain"
	apperrors "github.com/pscheid92/signpulse/internal/platform/errors"
)

func (s *Server) registerStatusRoutes(api *echo.Group) {
	api.GET("/sessions/:id", s.handleGetSession)
	api.GET("/status", s.handleStatus)
	api.GET("/status/cluster", s.handleClusterStatus)
	api.GET("/devices", s.handleListDevices)
	api.GET("/devices/:id", s.handleGetDevice)
}

func (s *Server) handleGetSession(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}

	session, err := s.app.Session(c.Request().Context(), id, c.Param("id"))
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, session); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, s.app.Status(c.Request().Context(), id)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleClusterStatus(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}

	sessions, err := s.app.ClusterStatus(c.Request().Context(), id)
	if err != nil {
		return apperrors.ExternalError("cluster store unavailable", err)
	}
	if sessions == nil {
		sessions = []domain.ClusterSession{}
	}

	if err := c.JSON(http.StatusOK, map[string]any{"sessions": sessions}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleListDevices(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}

	devices, err := s.app.Devices(c.Request().Context(), id)
	if err != nil {
		return apperrors.InternalError("failed to list devices", err).WithField("tenant_id", id.TenantID)
	}
	if devices == nil {
		devices = []domain.DeviceRecord{}
	}

	if err := c.JSON(http.StatusOK, map[string]any{"devices": devices}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleGetDevice(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}

	device, err := s.app.Device(c.Request().Context(), id, c.Param("id"))
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, device); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
