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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	goretry "github.com/sethvargo/go-retry"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/ciorrors"
)

// maxAPIResponseBytes bounds how much of a GitLab API response this
// client will buffer, mirroring the webhook payload cap's defensive
// posture against an oversized or runaway response body.
const maxAPIResponseBytes = 10 << 20 // 10 MiB

// User is the subset of GET /api/v4/user this server needs to complete
// the OAuth round-trip (repurposed into the app_id/app_name fields on a
// GitLab OAuthState).
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Project is the subset of GET /api/v4/projects/:id this server tracks
// as a Repository.
type Project struct {
	ID                int64  `json:"id"`
	PathWithNamespace string `json:"path_with_namespace"`
	HTTPURLToRepo     string `json:"http_url_to_repo"`
	DefaultBranch     string `json:"default_branch"`
}

// CurrentUser resolves the identity behind accessToken, for recording
// against the OAuthState on GitLab callback completion.
func (c *Client) CurrentUser(ctx context.Context, instanceURL, accessToken string) (*User, error) {
	var u User
	if err := c.getJSON(ctx, instanceURL, accessToken, "/api/v4/user", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListProjects lists the projects accessToken's owner can see, paginated
// per GitLab's page/per_page convention, for `GET /api/gitlab/projects`.
func (c *Client) ListProjects(ctx context.Context, instanceURL, accessToken string, page, perPage int) ([]Project, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	q := url.Values{
		"page":       {strconv.Itoa(page)},
		"per_page":   {strconv.Itoa(perPage)},
		"membership": {"true"},
	}
	var projects []Project
	if err := c.getJSON(ctx, instanceURL, accessToken, "/api/v4/projects", q, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// Project fetches one project by its numeric id, used to re-validate a
// tracked repository's default branch/clone URL.
func (c *Client) Project(ctx context.Context, instanceURL, accessToken string, projectID int64) (*Project, error) {
	var p Project
	path := "/api/v4/projects/" + strconv.FormatInt(projectID, 10)
	if err := c.getJSON(ctx, instanceURL, accessToken, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// getJSON performs an SSRF-gated, retried GET against instanceURL+path
// and decodes a successful response body into out.
func (c *Client) getJSON(ctx context.Context, instanceURL, accessToken, path string, query url.Values, out any) error {
	instanceURL = normalizeInstanceURL(instanceURL)
	httpClient, err := c.gate.clientFor(ctx, instanceURL)
	if err != nil {
		return err
	}

	reqURL := instanceURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	logger := logging.FromContext(ctx)
	backoff := c.newBackoff()
	var body []byte
	if err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			logger.WarnContext(ctx, "retrying gitlab api call", "url", path, "error", err)
			return goretry.RetryableError(err)
		}
		defer resp.Body.Close()

		b, readErr := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			logger.WarnContext(ctx, "retrying gitlab api call due to server error", "url", path, "status_code", resp.StatusCode)
			return goretry.RetryableError(fmt.Errorf("gitlab api %s returned %d", path, resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("gitlab api %s returned %d: %s", path, resp.StatusCode, b)
		}
		body = b
		return nil
	}); err != nil {
		return ciorrors.Wrap(ciorrors.KindProviderAPIError, "gitlab api call failed", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return ciorrors.Wrap(ciorrors.KindProviderAPIError, "gitlab api returned an unparsable response", err)
	}
	return nil
}
