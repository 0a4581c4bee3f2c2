package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func postEvent(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("logger", zap.NewNop())
	require.NoError(t, SlackEvents(c))
	return rec
}

func TestSlackEventsURLVerification(t *testing.T) {
	rec := postEvent(t, `{"type":"url_verification","challenge":"abc123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"challenge":"abc123"`)
}

func TestSlackEventsUnparseablePayload(t *testing.T) {
	rec := postEvent(t, `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_request")
}

func TestSlackEventsMalformedCallback(t *testing.T) {
	// event_callback without team_id cannot be routed to a tenant
	rec := postEvent(t, `{"type":"event_callback","event":{"type":"app_uninstalled"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSlackEventsIgnoresNonLifecycleEvents(t *testing.T) {
	rec := postEvent(t, `{"type":"event_callback","team_id":"T100","event":{"type":"message"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSlackEventsIgnoresUnknownEnvelope(t *testing.T) {
	rec := postEvent(t, `{"type":"app_rate_limited"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}
