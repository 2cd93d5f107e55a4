package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/signpulse/internal/auth"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/pscheid92/signpulse/internal/platform/correlation"
	apperrors "github.com/pscheid92/signpulse/internal/platform/errors"
)

const correlationHeader = "X-Request-ID"

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(correlationHeader)
		if id == "" {
			id = correlation.NewID()
		}
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlationHeader, id)
		return next(c)
	}
}

// requireAuth resolves the bearer credential through the gate and stores the
// identity on the request context.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := s.gate.Authenticate(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return err
		}
		c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), id)))
		c.Set("userID", id.UserID)
		return next(c)
	}
}

// caller returns the identity placed by requireAuth.
func caller(c echo.Context) (domain.Identity, error) {
	id, ok := auth.IdentityFrom(c.Request().Context())
	if !ok {
		return domain.Identity{}, apperrors.InternalError("missing identity in request context", nil)
	}
	return id, nil
}

func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			return HandleError(c, err)
		}
	}
}

// translateError maps broker sentinels onto structured errors. The sentinel
// text becomes the client message; the wrapped detail stays in the logs.
func translateError(err error) *apperrors.Error {
	var structuredErr *apperrors.Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	switch {
	case errors.Is(err, domain.ErrUnauthenticated), errors.Is(err, domain.ErrInvalidToken):
		return apperrors.UnauthenticatedError("authentication required", err)
	case errors.Is(err, domain.ErrForbidden):
		return forbidden(domain.ErrForbidden, err)
	case errors.Is(err, domain.ErrDeviceTenantMismatch):
		return forbidden(domain.ErrDeviceTenantMismatch, err)
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.NotFoundError(domain.ErrSessionNotFound.Error())
	case errors.Is(err, domain.ErrDeviceNotFound):
		return apperrors.NotFoundError(domain.ErrDeviceNotFound.Error())
	}

	for _, sentinel := range []error{domain.ErrMissingType, domain.ErrUnknownType, domain.ErrInvalidTarget, domain.ErrInvalidChannel} {
		if errors.Is(err, sentinel) {
			return apperrors.ValidationError(sentinel.Error()).WithField("detail", err.Error())
		}
	}

	return apperrors.AsStructuredError(err)
}

func forbidden(sentinel, err error) *apperrors.Error {
	e := apperrors.ForbiddenError(sentinel.Error())
	if err.Error() != sentinel.Error() {
		e.WithField("detail", err.Error())
	}
	return e
}

func logError(c echo.Context, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	if userID := c.Get("userID"); userID != nil {
		attrs = append(attrs, "user_id", userID)
	}

	switch err.Type {
	case apperrors.TypeValidation:
		slog.InfoContext(ctx, "Validation error", attrs...)
	case apperrors.TypeUnauthenticated:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.InfoContext(ctx, "Unauthenticated request", attrs...)
	case apperrors.TypeForbidden:
		slog.WarnContext(ctx, "Forbidden", attrs...)
	case apperrors.TypeNotFound:
		slog.InfoContext(ctx, "Not found", attrs...)
	case apperrors.TypeConflict:
		slog.WarnContext(ctx, "Conflict", attrs...)
	case apperrors.TypeInternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	case apperrors.TypeExternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "External service error", attrs...)
	default:
		slog.ErrorContext(ctx, "Unknown error type", attrs...)
	}
}

func HandleError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	structuredErr := translateError(err)
	logError(c, structuredErr)
	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func WrapHTTPError(httpErr *echo.HTTPError) *apperrors.Error {
	message := "internal server error"
	if httpErr.Message != nil {
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		}
	}

	var errType apperrors.ErrorType
	switch httpErr.Code {
	case http.StatusBadRequest:
		errType = apperrors.TypeValidation
	case http.StatusUnauthorized:
		errType = apperrors.TypeUnauthenticated
	case http.StatusForbidden:
		errType = apperrors.TypeForbidden
	case http.StatusNotFound:
		errType = apperrors.TypeNotFound
	case http.StatusConflict:
		errType = apperrors.TypeConflict
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		errType = apperrors.TypeExternal
	default:
		errType = apperrors.TypeInternal
	}

	err := &apperrors.Error{
		Type:    errType,
		Message: message,
		Context: make(map[string]any),
	}

	if httpErr.Internal != nil {
		err.Cause = httpErr.Internal
	}

	return err
}
