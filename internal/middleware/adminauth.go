package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"tokenbroker/pkg/logger"
)

// AdminAuthMiddleware guards the admin and internal credential endpoints
// with a bearer API key. Only a bcrypt hash of the key is held in config;
// an empty hash disables the admin surface entirely.
func AdminAuthMiddleware(apiKeyHash string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			log := logger.FromContext(c)

			if apiKeyHash == "" {
				log.Warn("Admin API disabled: no API key hash configured")
				return c.JSON(http.StatusForbidden, echo.Map{
					"error":             "access_denied",
					"error_description": "Admin API is not enabled",
				})
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				log.Warn("Missing admin credentials")
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"error":             "invalid_client",
					"error_description": "Admin authentication required",
				})
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				log.Warn("Invalid admin authentication scheme")
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"error":             "invalid_client",
					"error_description": "Admin authentication must use Bearer scheme",
				})
			}

			key := authHeader[7:]
			if err := bcrypt.CompareHashAndPassword([]byte(apiKeyHash), []byte(key)); err != nil {
				log.Warn("Invalid admin API key")
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"error":             "invalid_client",
					"error_description": "Invalid admin credentials",
				})
			}

			return next(c)
		}
	}
}
