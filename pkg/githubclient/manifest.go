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

package githubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/oore/oored/pkg/ciorrors"
)

// Manifest is the JSON document GitHub's App manifest flow expects the
// browser to POST to https://github.com/settings/apps/new, built by the
// admin API's manifest route and rendered into the /setup/github/create
// page's auto-submitting form.
type Manifest struct {
	Name               string            `json:"name"`
	URL                string            `json:"url"`
	RedirectURL        string            `json:"redirect_url"`
	HookAttributes     map[string]string `json:"hook_attributes"`
	Public             bool              `json:"public"`
	DefaultEvents      []string          `json:"default_events"`
	DefaultPermissions map[string]string `json:"default_permissions"`
}

// BuildManifest constructs the manifest for an App installed as this
// server's single webhook/credential source. baseURL is the operator's
// configured OORE_BASE_URL.
func BuildManifest(baseURL string) *Manifest {
	return &Manifest{
		Name:        "oored",
		URL:         baseURL,
		RedirectURL: baseURL + "/setup/github/callback",
		HookAttributes: map[string]string{
			"url": baseURL + "/api/webhooks/github",
		},
		Public: false,
		DefaultEvents: []string{
			"push",
			"pull_request",
		},
		DefaultPermissions: map[string]string{
			"contents":      "read",
			"metadata":      "read",
			"pull_requests": "read",
		},
	}
}

// ManifestApp is the App registration GitHub hands back in exchange for a
// manifest-flow temporary code.
type ManifestApp struct {
	ID            int64  `json:"id"`
	Slug          string `json:"slug"`
	Name          string `json:"name"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	WebhookSecret string `json:"webhook_secret"`
	PEM           string `json:"pem"`
	HTMLURL       string `json:"html_url"`
}

// ConvertManifest exchanges the temporary code GitHub appended to the
// /setup/github/callback redirect for the App's credentials. This call
// needs no authentication of its own — the code is itself the proof the
// operator completed the manifest form — so it is a standalone function
// rather than a Client method.
func ConvertManifest(ctx context.Context, enterpriseServerURL, code string) (*ManifestApp, error) {
	apiBase := "https://api.github.com"
	if enterpriseServerURL != "" {
		apiBase = enterpriseServerURL + "/api/v3"
	}
	reqURL := apiBase + "/app-manifests/" + code + "/conversions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("githubclient: building manifest conversion request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindProviderAPIError, "github manifest conversion request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindProviderAPIError, "failed to read manifest conversion response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, ciorrors.New(ciorrors.KindProviderAPIError,
			"github manifest conversion failed with status "+strconv.Itoa(resp.StatusCode))
	}

	var app ManifestApp
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&app); err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindProviderAPIError, "github manifest conversion returned an unparsable response", err)
	}
	return &app, nil
}
