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
	"time"

	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/store"
)

// refreshSkew is how far ahead of a stored access token's recorded expiry
// TokenForRepository proactively refreshes, so a build's clone doesn't
// race a token expiring mid-request.
const refreshSkew = 2 * time.Minute

// TokenForRepository resolves the access token covering repo's GitLab
// instance, refreshing it first if it's at or near its recorded expiry.
// A repository with no GitLabInstanceURL is assumed to be on gitlab.com.
// Mirrors githubclient.Client.TokenForRepository's shape so both satisfy
// buildproc.CredentialResolver.
func (c *Client) TokenForRepository(ctx context.Context, repo *store.Repository) (string, error) {
	instanceURL := normalizeInstanceURL(repo.GitLabInstanceURL)

	row, plaintext, err := c.creds.GetActiveRow(ctx, store.CredentialGitLabAccessToken, instanceURL)
	if err != nil {
		return "", err
	}
	if !nearExpiry(row.Metadata) {
		return string(plaintext), nil
	}

	_, refreshPlaintext, err := c.creds.GetActiveRow(ctx, store.CredentialGitLabRefreshToken, instanceURL)
	if err != nil {
		// No refresh token on file: fall back to the (possibly stale)
		// access token rather than failing the build outright; the
		// provider itself will reject it if it's truly expired.
		return string(plaintext), nil
	}

	appRow, clientSecret, err := c.creds.GetActiveRow(ctx, store.CredentialGitLabClientSecret, instanceURL)
	if err != nil {
		return "", ciorrors.Wrap(ciorrors.KindCredentialError, "no gitlab oauth app configured for this instance", err)
	}

	token, err := c.refreshToken(ctx, instanceURL, appRow.Metadata, string(clientSecret), string(refreshPlaintext))
	if err != nil {
		return "", err
	}
	if err := c.PersistToken(ctx, instanceURL, token); err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// nearExpiry reports whether a credential row's RFC3339 expiry metadata
// is at or within refreshSkew of now. Unparsable or empty metadata is
// treated as "no known expiry" rather than forcing a refresh, since some
// instances don't return one.
func nearExpiry(metadata string) bool {
	if metadata == "" {
		return false
	}
	expiry, err := time.Parse(time.RFC3339, metadata)
	if err != nil {
		return false
	}
	return time.Now().Add(refreshSkew).After(expiry)
}
