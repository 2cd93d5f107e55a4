package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/signpulse/internal/adapter/websocket"
	"github.com/pscheid92/signpulse/internal/domain"
	apperrors "github.com/pscheid92/signpulse/internal/platform/errors"
)

func (s *Server) registerWebSocketRoutes() {
	s.echo.GET("/ws", s.handleWebSocket)
}

// handleWebSocket attaches a connection to an already opened session. Browsers
// cannot set headers on WebSocket requests, so the credential may also arrive
// in the token query parameter.
func (s *Server) handleWebSocket(c echo.Context) error {
	id, err := s.authenticateSocket(c)
	if err != nil {
		return err
	}

	sessionID := c.QueryParam("session")
	if sessionID == "" {
		return apperrors.ValidationError("session query parameter is required")
	}

	ctx := c.Request().Context()
	session, err := s.app.Session(ctx, id, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != id.UserID {
		return apperrors.ForbiddenError(domain.ErrForbidden.Error()).WithField("session_id", sessionID)
	}

	err = s.sockets.Serve(c.Response(), c.Request(), sessionID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, websocket.ErrAtCapacity):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "connection limit reached").SetInternal(err)
	case c.Response().Committed:
		// The upgrader already answered the client.
		slog.InfoContext(ctx, "WebSocket upgrade rejected", "session_id", sessionID, "error", err)
		return nil
	default:
		return fmt.Errorf("failed to serve websocket: %w", err)
	}
}

func (s *Server) authenticateSocket(c echo.Context) (domain.Identity, error) {
	if header := c.Request().Header.Get(echo.HeaderAuthorization); header != "" {
		return s.gate.Authenticate(header)
	}
	return s.gate.AuthenticateToken(c.QueryParam("token"))
}
