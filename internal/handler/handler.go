package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"tokenbroker/internal/crypto"
	"tokenbroker/internal/install"
	"tokenbroker/internal/keyring"
	"tokenbroker/internal/store"
	"tokenbroker/internal/token"
	"tokenbroker/pkg/slackauth"
)

// Deps are the wired components the handlers operate on. Initialized once
// from main before routes are registered.
type Deps struct {
	Coordinator *install.Coordinator
	Manager     *token.Manager
	Tenants     *store.TenantStore
	Audit       *store.AuditLog
	Lifecycle   *store.LifecycleLog
	Ring        *keyring.Ring
	Slack       slackauth.Exchanger
	State       *slackauth.StateSigner
}

var deps Deps

// Init stores the handler dependencies.
func Init(d Deps) {
	deps = d
}

// errorResponse maps broker errors onto HTTP statuses with OAuth-style
// JSON bodies. Raw error detail (key ids, ciphertext) never reaches the
// response; callers get a category and a generic description.
func errorResponse(c echo.Context, err error) error {
	switch {
	case errors.Is(err, token.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "invalid_request",
			"error_description": "Installation payload is missing required fields",
		})
	case errors.Is(err, install.ErrTenantConflict):
		return c.JSON(http.StatusConflict, echo.Map{
			"error":             "conflict",
			"error_description": "Workspace is already connected by a different installer",
		})
	case errors.Is(err, token.ErrTenantNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{
			"error":             "not_found",
			"error_description": "Workspace is not connected; reinstall required",
		})
	case errors.Is(err, token.ErrTenantInactive):
		return c.JSON(http.StatusForbidden, echo.Map{
			"error":             "workspace_inactive",
			"error_description": "Workspace is disconnected; reinstall required",
		})
	case errors.Is(err, token.ErrPersistence):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{
			"error":             "temporarily_unavailable",
			"error_description": "Please retry shortly",
		})
	case errors.Is(err, crypto.ErrDecryption), errors.Is(err, keyring.ErrKeyNotFound),
		errors.Is(err, keyring.ErrKeyRevoked), errors.Is(err, keyring.ErrNoActiveKey):
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":             "server_error",
			"error_description": "Credential could not be processed",
		})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":             "server_error",
			"error_description": "Unexpected error",
		})
	}
}
