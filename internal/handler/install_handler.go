package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"tokenbroker/internal/install"
	"tokenbroker/pkg/logger"
	"tokenbroker/prometheus"
)

// SlackInstall starts the installation flow by redirecting the browser to
// Slack's authorize page with a signed state token.
func SlackInstall(c echo.Context) error {
	log := logger.FromContext(c)

	state, err := deps.State.Issue()
	if err != nil {
		log.Error("Failed to issue state token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":             "server_error",
			"error_description": "Failed to start installation",
		})
	}

	return c.Redirect(http.StatusFound, deps.Slack.AuthorizeURL(state))
}

// OAuthCallback completes the installation: it verifies the state token,
// exchanges the authorization code for a bot token, and hands the
// validated payload to the installation coordinator. Any failure before
// the coordinator leaves no tenant state behind.
func OAuthCallback(c echo.Context) error {
	log := logger.FromContext(c)

	if errParam := c.QueryParam("error"); errParam != "" {
		// User denied the authorization screen
		log.Warn("Installation denied by user", zap.String("reason", errParam))
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "access_denied",
			"error_description": "Installation was cancelled",
		})
	}

	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		log.Warn("Callback missing code or state")
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "invalid_request",
			"error_description": "Missing code or state parameter",
		})
	}

	if err := deps.State.Verify(state); err != nil {
		log.Warn("State verification failed")
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "invalid_request",
			"error_description": "State verification failed; restart the installation",
		})
	}

	ctx := c.Request().Context()
	exchanged, err := deps.Slack.Exchange(ctx, code)
	if err != nil {
		log.Error("OAuth exchange failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, echo.Map{
			"error":             "exchange_failed",
			"error_description": "Installation failed, please retry",
		})
	}

	cb := install.Callback{
		TenantExternalID:  exchanged.TeamID,
		DisplayName:       exchanged.TeamName,
		Credential:        exchanged.BotToken,
		InstallerIdentity: exchanged.AuthedUserID,
		GrantedScopes:     exchanged.Scopes,
		BotUserID:         exchanged.BotUserID,
		AppID:             exchanged.AppID,
	}
	if exchanged.EnterpriseID != "" {
		cb.Extra = map[string]any{"enterprise_id": exchanged.EnterpriseID}
	}

	result, err := deps.Coordinator.HandleCallback(ctx, cb)
	if err != nil {
		log.Error("Installation failed", zap.String("team_id", exchanged.TeamID), zap.Error(err))
		return errorResponse(c, err)
	}

	prometheus.RecordInstall(result.Reinstall)
	return c.JSON(http.StatusOK, echo.Map{
		"status":    "installed",
		"tenant_id": result.TenantID,
		"reinstall": result.Reinstall,
	})
}
