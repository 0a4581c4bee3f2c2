// Package slackauth is the thin OAuth collaborator for the Slack v2
// authorization flow: it builds the authorize URL, exchanges the code for
// a bot token, and signs/verifies the state parameter. It holds no tenant
// state and is replaceable behind the Exchanger interface.
package slackauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"tokenbroker/pkg/config"
)

// Endpoint is Slack's OAuth v2 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://slack.com/oauth/v2/authorize",
	TokenURL: "https://slack.com/api/oauth.v2.access",
}

// Installation is the parsed result of a successful code exchange.
type Installation struct {
	TeamID       string
	TeamName     string
	BotToken     string
	BotUserID    string
	AppID        string
	Scopes       []string
	AuthedUserID string
	EnterpriseID string
}

// Exchanger abstracts the code exchange so handlers can be tested without
// calling Slack.
type Exchanger interface {
	AuthorizeURL(state string) string
	Exchange(ctx context.Context, code string) (*Installation, error)
}

// Client implements Exchanger against the real Slack API.
type Client struct {
	conf *oauth2.Config
	http *http.Client
}

// New builds a Client from configuration.
func New(cfg *config.Config) *Client {
	return &Client{
		conf: &oauth2.Config{
			ClientID:     cfg.Slack.ClientID,
			ClientSecret: cfg.Slack.ClientSecret,
			RedirectURL:  cfg.Slack.RedirectURL,
			Scopes:       strings.Split(cfg.Slack.Scopes, ","),
			Endpoint:     Endpoint,
		},
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthorizeURL returns the Slack authorize URL carrying the signed state.
// Slack's v2 flow passes bot scopes via the "scope" parameter.
func (c *Client) AuthorizeURL(state string) string {
	return c.conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("scope", strings.Join(c.conf.Scopes, ",")))
}

// exchangeResponse is the shape of Slack's oauth.v2.access response. Slack
// returns extra fields a standard OAuth2 token response does not carry, so
// the exchange is done directly rather than via oauth2.Config.Exchange.
type exchangeResponse struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
	BotUserID   string `json:"bot_user_id"`
	AppID       string `json:"app_id"`
	Team        struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
	Enterprise *struct {
		ID string `json:"id"`
	} `json:"enterprise"`
	AuthedUser struct {
		ID string `json:"id"`
	} `json:"authed_user"`
}

// Exchange trades the authorization code for a bot token and installation
// metadata.
func (c *Client) Exchange(ctx context.Context, code string) (*Installation, error) {
	form := url.Values{
		"client_id":     {c.conf.ClientID},
		"client_secret": {c.conf.ClientSecret},
		"code":          {code},
		"redirect_uri":  {c.conf.RedirectURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.conf.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth exchange: %w", err)
	}
	defer resp.Body.Close()

	var parsed exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("oauth exchange rejected: %s", parsed.Error)
	}
	if parsed.Team.ID == "" || parsed.AccessToken == "" {
		return nil, fmt.Errorf("oauth exchange response missing team or token")
	}

	inst := &Installation{
		TeamID:       parsed.Team.ID,
		TeamName:     parsed.Team.Name,
		BotToken:     parsed.AccessToken,
		BotUserID:    parsed.BotUserID,
		AppID:        parsed.AppID,
		AuthedUserID: parsed.AuthedUser.ID,
	}
	if parsed.Scope != "" {
		inst.Scopes = strings.Split(parsed.Scope, ",")
	}
	if parsed.Enterprise != nil {
		inst.EnterpriseID = parsed.Enterprise.ID
	}
	return inst, nil
}
