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

// Package githubclient wraps the GitHub App this server is installed as:
// minting the App-level JWT, exchanging it for per-installation access
// tokens, and listing the App's installations for the admin sync route.
// Installation tokens are requested lazily and cached by
// installation id until near expiry.
package githubclient

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/lestrrat-go/jwx/v2/jwk"
	goretry "github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"

	"github.com/abcxyz/pkg/githubauth"
	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/credentials"
	"github.com/oore/oored/pkg/store"
)

// Client wraps an authenticated GitHub App.
type Client struct {
	app                 *githubauth.App
	enterpriseURL       string
	backoffInitialDelay time.Duration
	maxRetryAttempts    int

	mu      sync.Mutex
	perInst map[string]oauth2.TokenSource

	ownerCacheOnce installationByOwner
}

// New loads the App's decrypted private key from the credential store and
// builds a Client. Returns a ciorrors KindNotFound error if no App private
// key has been configured yet (the manifest flow hasn't completed).
func New(ctx context.Context, cfg *Config, creds *credentials.Store) (*Client, error) {
	pem, err := creds.GetActive(ctx, store.CredentialGitHubAppPrivateKey, "")
	if err != nil {
		return nil, err
	}

	parsedKey, _, err := jwk.DecodePEM(pem)
	if err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindCredentialError, "github app private key is not valid PEM", err)
	}
	privateKey, ok := parsedKey.(*rsa.PrivateKey)
	if !ok {
		return nil, ciorrors.New(ciorrors.KindCredentialError, fmt.Sprintf("github app private key must be RSA, got %T", parsedKey))
	}

	var appOpts []githubauth.Option
	if cfg.EnterpriseServerURL != "" {
		appOpts = append(appOpts, githubauth.WithBaseURL(cfg.EnterpriseServerURL+"/api/v3"))
	}
	app, err := githubauth.NewApp(cfg.AppID, privateKey, appOpts...)
	if err != nil {
		return nil, fmt.Errorf("githubclient: creating app: %w", err)
	}

	return &Client{
		app:                 app,
		enterpriseURL:       cfg.EnterpriseServerURL,
		backoffInitialDelay: 500 * time.Millisecond,
		maxRetryAttempts:    5,
		perInst:             make(map[string]oauth2.TokenSource),
	}, nil
}

// InstallationToken returns a short-lived access token scoped to all
// repositories the installation can see, suitable for an authenticated git
// clone. Tokens are cached per installation id via oauth2.ReuseTokenSource
// and only refreshed once they're near expiry.
func (c *Client) InstallationToken(ctx context.Context, installationID string) (string, error) {
	ts, err := c.tokenSourceFor(ctx, installationID)
	if err != nil {
		return "", err
	}

	var token *oauth2.Token
	backoff := c.newBackoff()
	if err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		t, err := ts.Token()
		if err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "retrying installation token fetch", "installation_id", installationID, "error", err)
			return goretry.RetryableError(err)
		}
		token = t
		return nil
	}); err != nil {
		return "", ciorrors.Wrap(ciorrors.KindProviderAPIError, "failed to mint github installation token", err)
	}
	return token.AccessToken, nil
}

func (c *Client) tokenSourceFor(ctx context.Context, installationID string) (oauth2.TokenSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.perInst[installationID]; ok {
		return ts, nil
	}
	installation, err := c.app.InstallationForID(ctx, installationID)
	if err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindProviderAPIError, "failed to look up github installation", err)
	}
	ts := oauth2.ReuseTokenSource(nil, installation.AllReposOAuth2TokenSource(ctx, map[string]string{
		"contents": "read",
	}))
	c.perInst[installationID] = ts
	return ts, nil
}

// httpClient builds a go-github client authenticated as the App itself
// (not as an installation), for App-level calls like ListInstallations.
func (c *Client) httpClient(ctx context.Context) (*github.Client, error) {
	gh := github.NewClient(oauth2.NewClient(ctx, c.app.OAuthAppTokenSource()))
	if c.enterpriseURL != "" {
		baseURL, err := url.Parse(c.enterpriseURL + "/")
		if err != nil {
			return nil, fmt.Errorf("githubclient: parsing enterprise url: %w", err)
		}
		gh.BaseURL = baseURL
		gh.UploadURL = baseURL
	}
	return gh, nil
}

// ListInstallations returns every installation of this App, for the admin
// `GET /api/github/installations` route.
func (c *Client) ListInstallations(ctx context.Context) ([]*github.Installation, error) {
	gh, err := c.httpClient(ctx)
	if err != nil {
		return nil, err
	}

	var installations []*github.Installation
	backoff := c.newBackoff()
	if err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		got, resp, err := gh.Apps.ListInstallations(ctx, &github.ListOptions{PerPage: 100})
		if err != nil {
			return retryableFromHTTPErr(ctx, resp, err)
		}
		installations = got
		return nil
	}); err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindProviderAPIError, "failed to list github app installations", err)
	}
	return installations, nil
}

func retryableFromHTTPErr(ctx context.Context, resp *github.Response, err error) error {
	logger := logging.FromContext(ctx)
	if resp == nil {
		logger.WarnContext(ctx, "retrying github api call", "error", err)
		return goretry.RetryableError(err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		logger.WarnContext(ctx, "retrying github api call due to server error", "status_code", resp.StatusCode)
		return goretry.RetryableError(err)
	}
	return err
}

func (c *Client) newBackoff() goretry.Backoff {
	backoff := goretry.NewExponential(c.backoffInitialDelay)
	if c.maxRetryAttempts >= 0 {
		backoff = goretry.WithMaxRetries(uint64(c.maxRetryAttempts), backoff)
	}
	return backoff
}
