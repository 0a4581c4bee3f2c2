package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"tokenbroker/internal/token"
	"tokenbroker/pkg/logger"
)

// RequestIDMiddleware adds a unique request ID to each request and
// attaches the caller's actor context so credential operations downstream
// can stamp audit records with IP, user agent, and request ID.
func RequestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		// Check if request already has a request ID
		requestID := c.Request().Header.Get(logger.RequestIDKey)

		// If not, generate a new one
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// Add to request and response headers
		c.Request().Header.Set(logger.RequestIDKey, requestID)
		c.Response().Header().Set(logger.RequestIDKey, requestID)

		// Store in context for internal use
		c.Set(logger.RequestIDKey, requestID)

		// Carry actor context for audit records
		actor := token.Actor{
			IP:        c.RealIP(),
			UserAgent: c.Request().UserAgent(),
			RequestID: requestID,
		}
		ctx := token.WithActor(c.Request().Context(), actor)
		c.SetRequest(c.Request().WithContext(ctx))

		// Call the next handler
		return next(c)
	}
}
