// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gitlabclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/credentials"
	"github.com/oore/oored/pkg/store"
)

// defaultInstanceURL is the host a repository with no GitLabInstanceURL
// is assumed to live on (the SaaS host, never itself SSRF-gated).
const defaultInstanceURL = "https://gitlab.com"

// Client mediates the OAuth relationship with however many GitLab
// instances this server has been configured against, one per distinct
// instance URL, all funneled through the shared SSRF Gate.
type Client struct {
	gate  *Gate
	creds *credentials.Store

	backoffInitialDelay time.Duration
	maxRetryAttempts    int
}

// New builds a Client, constructing its SSRF Gate from cfg. Returns an
// error if an operator-configured allow-list CIDR or CA bundle is
// malformed.
func New(cfg *Config, creds *credentials.Store) (*Client, error) {
	gate, err := NewGate(cfg.AllowedHosts, cfg.AllowedCIDRs, cfg.CABundle, cfg.AllowBroadCIDRs)
	if err != nil {
		return nil, err
	}
	return &Client{
		gate:                gate,
		creds:               creds,
		backoffInitialDelay: 500 * time.Millisecond,
		maxRetryAttempts:    5,
	}, nil
}

func normalizeInstanceURL(instanceURL string) string {
	instanceURL = strings.TrimSuffix(strings.TrimSpace(instanceURL), "/")
	if instanceURL == "" {
		return defaultInstanceURL
	}
	return instanceURL
}

// oauthConfig builds the per-instance OAuth client, per the drone GitLab
// driver's endpoint shape: authorize and token URLs sit under /oauth on
// the instance itself rather than a fixed SaaS host.
func oauthConfig(instanceURL, clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"api"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  instanceURL + "/oauth/authorize",
			TokenURL: instanceURL + "/oauth/token",
		},
	}
}

// AuthorizeURL builds the browser-redirect URL for the external OAuth
// round-trip of the admin setup flow. This is navigated to by the
// operator's browser, not dialed by the server, so it is not itself
// routed through the SSRF Gate.
func (c *Client) AuthorizeURL(instanceURL, clientID, redirectURL, state string) string {
	conf := oauthConfig(normalizeInstanceURL(instanceURL), clientID, "", redirectURL)
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode trades the OAuth callback's authorization code for an
// access/refresh token pair, dialed through the SSRF Gate since this is a
// server-initiated call to (possibly self-hosted) instanceURL.
func (c *Client) ExchangeCode(ctx context.Context, instanceURL, clientID, clientSecret, redirectURL, code string) (*oauth2.Token, error) {
	instanceURL = normalizeInstanceURL(instanceURL)
	httpClient, err := c.gate.clientFor(ctx, instanceURL)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	conf := oauthConfig(instanceURL, clientID, clientSecret, redirectURL)
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindCredentialError, "gitlab oauth code exchange failed", err)
	}
	return token, nil
}

// RefreshAccessToken mints a fresh access token from a stored refresh
// token, for the admin `POST /api/gitlab/refresh` route, retrying
// transient failures the same way githubclient retries installation
// token fetches.
func (c *Client) RefreshAccessToken(ctx context.Context, instanceURL, clientID, clientSecret, refreshToken string) (*oauth2.Token, error) {
	return c.refreshToken(ctx, instanceURL, clientID, clientSecret, refreshToken)
}

func (c *Client) refreshToken(ctx context.Context, instanceURL, clientID, clientSecret, refreshToken string) (*oauth2.Token, error) {
	instanceURL = normalizeInstanceURL(instanceURL)
	httpClient, err := c.gate.clientFor(ctx, instanceURL)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	conf := oauthConfig(instanceURL, clientID, clientSecret, "")
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	var token *oauth2.Token
	backoff := c.newBackoff()
	if err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		t, err := ts.Token()
		if err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "retrying gitlab token refresh", "instance_url", instanceURL, "error", err)
			return goretry.RetryableError(err)
		}
		token = t
		return nil
	}); err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindProviderAPIError, "failed to refresh gitlab access token", err)
	}
	return token, nil
}

// PersistToken rotates the stored access and refresh token rows for
// instanceURL, recording the access token's expiry in its credential
// metadata so TokenForRepository knows when to refresh again.
func (c *Client) PersistToken(ctx context.Context, instanceURL string, token *oauth2.Token) error {
	instanceURL = normalizeInstanceURL(instanceURL)
	metadata := ""
	if !token.Expiry.IsZero() {
		metadata = token.Expiry.UTC().Format(time.RFC3339)
	}
	if err := c.creds.Rotate(ctx, store.CredentialGitLabAccessToken, instanceURL, []byte(token.AccessToken), metadata); err != nil {
		return fmt.Errorf("gitlabclient: storing access token: %w", err)
	}
	if token.RefreshToken != "" {
		if err := c.creds.Rotate(ctx, store.CredentialGitLabRefreshToken, instanceURL, []byte(token.RefreshToken), ""); err != nil {
			return fmt.Errorf("gitlabclient: storing refresh token: %w", err)
		}
	}
	return nil
}

func (c *Client) newBackoff() goretry.Backoff {
	backoff := goretry.NewExponential(c.backoffInitialDelay)
	if c.maxRetryAttempts >= 0 {
		backoff = goretry.WithMaxRetries(uint64(c.maxRetryAttempts), backoff)
	}
	return backoff
}
