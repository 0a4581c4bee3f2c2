package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"tokenbroker/pkg/logger"
	"tokenbroker/prometheus"
)

// eventEnvelope is the tagged union of the Slack Events API shapes the
// broker consumes. Everything else is acknowledged and ignored.
type eventEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
	Event     *struct {
		Type string `json:"type"`
	} `json:"event,omitempty"`
}

// SlackEvents handles the Slack Events API endpoint: the url_verification
// handshake and the uninstall/deauthorize notifications that move a
// tenant to inactive.
func SlackEvents(c echo.Context) error {
	log := logger.FromContext(c)

	var envelope eventEnvelope
	if err := c.Bind(&envelope); err != nil {
		log.Warn("Unparseable event payload", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "invalid_request",
			"error_description": "Could not parse event payload",
		})
	}

	switch envelope.Type {
	case "url_verification":
		return c.JSON(http.StatusOK, echo.Map{"challenge": envelope.Challenge})

	case "event_callback":
		if envelope.Event == nil || envelope.TeamID == "" {
			log.Warn("Event callback missing event or team_id")
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error":             "invalid_request",
				"error_description": "Malformed event callback",
			})
		}

		switch envelope.Event.Type {
		case "app_uninstalled", "tokens_revoked":
			ctx := c.Request().Context()
			if err := deps.Coordinator.HandleUninstall(ctx, envelope.TeamID); err != nil {
				log.Error("Uninstall handling failed",
					zap.String("team_id", envelope.TeamID), zap.Error(err))
				return errorResponse(c, err)
			}
			prometheus.UninstallCounter.Inc()
			log.Info("Processed uninstall event",
				zap.String("team_id", envelope.TeamID),
				zap.String("event_type", envelope.Event.Type))
		default:
			// Not a lifecycle event; acknowledge so Slack stops retrying
			log.Debug("Ignoring event", zap.String("event_type", envelope.Event.Type))
		}
		return c.NoContent(http.StatusOK)

	default:
		log.Debug("Ignoring envelope", zap.String("type", envelope.Type))
		return c.NoContent(http.StatusOK)
	}
}
