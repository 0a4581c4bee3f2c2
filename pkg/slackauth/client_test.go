package slackauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testClient(tokenURL string) *Client {
	return &Client{
		conf: &oauth2.Config{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "https://broker.example.com/slack/oauth/callback",
			Scopes:       []string{"chat:write", "im:read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://slack.com/oauth/v2/authorize",
				TokenURL: tokenURL,
			},
		},
		http: &http.Client{Timeout: time.Second},
	}
}

func TestAuthorizeURLCarriesStateAndScopes(t *testing.T) {
	c := testClient("https://slack.com/api/oauth.v2.access")

	raw := c.AuthorizeURL("signed-state")
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "slack.com", parsed.Host)

	q := parsed.Query()
	require.Equal(t, "signed-state", q.Get("state"))
	require.Equal(t, "client-id", q.Get("client_id"))
	require.Equal(t, "chat:write,im:read", q.Get("scope"))
}

func TestExchangeParsesInstallation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client-id", r.Form.Get("client_id"))
		require.Equal(t, "code-123", r.Form.Get("code"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"ok": true,
			"access_token": "xoxb-abc",
			"token_type": "bot",
			"scope": "chat:write,im:read",
			"bot_user_id": "B100",
			"app_id": "A100",
			"team": {"id": "T100", "name": "Acme"},
			"authed_user": {"id": "U100"}
		}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	inst, err := c.Exchange(context.Background(), "code-123")
	require.NoError(t, err)
	require.Equal(t, "T100", inst.TeamID)
	require.Equal(t, "Acme", inst.TeamName)
	require.Equal(t, "xoxb-abc", inst.BotToken)
	require.Equal(t, "B100", inst.BotUserID)
	require.Equal(t, "A100", inst.AppID)
	require.Equal(t, "U100", inst.AuthedUserID)
	require.Equal(t, []string{"chat:write", "im:read"}, inst.Scopes)
	require.Empty(t, inst.EnterpriseID)
}

func TestExchangeRejectedBySlack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": false, "error": "invalid_code"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Exchange(context.Background(), "bad-code")
	require.ErrorContains(t, err, "invalid_code")
}

func TestExchangeMissingTeam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true, "access_token": "xoxb-abc"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Exchange(context.Background(), "code-123")
	require.ErrorContains(t, err, "missing team")
}
