package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/signpulse/internal/domain"
)

type connectRequest struct {
	DeviceID string   `json:"deviceId" validate:"omitempty,max=128"`
	Channels []string `json:"channels" validate:"omitempty,max=64,dive,max=200"`
}

type connectResponse struct {
	SessionID string   `json:"sessionId"`
	Channels  []string `json:"channels"`
}

type disconnectRequest struct {
	SessionID string `json:"sessionId" validate:"required_without=DeviceID"`
	DeviceID  string `json:"deviceId" validate:"omitempty,max=128"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type subscriptionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	Channel   string `json:"channel" validate:"required,max=200"`
}

type publishRequest struct {
	Type    domain.MessageType `json:"type"`
	Channel string             `json:"channel" validate:"omitempty,max=200"`
	Target  string             `json:"target" validate:"omitempty,max=200"`
	Payload json.RawMessage    `json:"payload"`
}

type publishResponse struct {
	DeliveryCount int `json:"deliveryCount"`
}

func (s *Server) registerBrokerRoutes(api *echo.Group) {
	publishLimiter := newRateLimiter(s.config.PublishRateLimit, s.config.PublishRateBurst)

	api.POST("/connect", s.handleConnect)
	api.POST("/disconnect", s.handleDisconnect)
	api.POST("/heartbeat", s.handleHeartbeat)
	api.POST("/subscribe", s.handleSubscribe)
	api.POST("/unsubscribe", s.handleUnsubscribe)
	api.POST("/publish", s.handlePublish, publishLimiter)
}

func (s *Server) handleConnect(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}

	var req connectRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	session, err := s.app.Connect(c.Request().Context(), id, req.DeviceID, req.Channels)
	if err != nil {
		return err
	}

	resp := connectResponse{SessionID: session.ID, Channels: session.Channels}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleDisconnect(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}

	var req disconnectRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	closed, err := s.app.Disconnect(c.Request().Context(), id, req.SessionID, req.DeviceID)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, map[string]any{"status": "ok", "closed": closed}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleHeartbeat(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}

	var req sessionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	if err := s.app.Heartbeat(c.Request().Context(), id, req.SessionID); err != nil {
		return err
	}
	return respondOK(c)
}

func (s *Server) handleSubscribe(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}

	var req subscriptionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	if err := s.app.Subscribe(c.Request().Context(), id, req.SessionID, req.Channel); err != nil {
		return err
	}
	return respondOK(c)
}

func (s *Server) handleUnsubscribe(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}

	var req subscriptionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	if err := s.app.Unsubscribe(c.Request().Context(), id, req.SessionID, req.Channel); err != nil {
		return err
	}
	return respondOK(c)
}

// handlePublish ignores any client-supplied sender or timestamp; the broker
// stamps both.
func (s *Server) handlePublish(c echo.Context) error {
	id, err := caller(c)
	if err != nil {
		return err
	}

	var req publishRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	addr := domain.Addressing{Target: req.Target, Channel: req.Channel}
	msg := domain.Message{Type: req.Type, Payload: req.Payload}

	count, err := s.app.Publish(c.Request().Context(), id, addr, msg)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, publishResponse{DeliveryCount: count}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func respondOK(c echo.Context) error {
	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
