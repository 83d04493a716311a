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

package adminapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/githubclient"
	"github.com/oore/oored/pkg/store"
)

type manifestResponse struct {
	Manifest  *githubclient.Manifest `json:"manifest"`
	CreateURL string                 `json:"create_url"`
	State     string                 `json:"state"`
}

// handleGitHubManifest starts the App manifest flow: it 409s if an App is
// already configured, otherwise mints a state token and returns the
// manifest document plus the URL the browser should be sent to (the
// public /setup/github/create page, which auto-submits it to GitHub).
func (s *Server) handleGitHubManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()

	if _, err := s.creds.GetActive(ctx, store.CredentialGitHubAppPrivateKey, ""); err == nil {
		writeError(w, http.StatusConflict, "ALREADY_CONFIGURED")
		return
	} else if !ciorrors.Is(err, ciorrors.KindNotFound) {
		writeHandlerError(w, err)
		return
	}

	state, err := s.states.Create(ctx, store.ProviderGitHub, nil)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, manifestResponse{
		Manifest:  githubclient.BuildManifest(s.baseURL),
		CreateURL: s.baseURL + "/setup/github/create?state=" + state.State,
		State:     state.State,
	})
}

// handleGitHubCallback is the admin-token-authenticated counterpart to
// the public /setup/github/callback page: both exchange a manifest-flow
// code for App credentials, but this one is for a caller (e.g. the CLI)
// that already holds an admin token and wants to complete the exchange
// directly instead of round-tripping a browser.
type githubCallbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

func (s *Server) handleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req githubCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	app, err := s.completeGitHubManifest(r.Context(), req.State, req.Code)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// completeGitHubManifest is shared by the admin POST callback and the
// public browser GET callback: consume the state, exchange the code,
// persist the resulting App credentials, and mark the state completed.
func (s *Server) completeGitHubManifest(ctx context.Context, stateToken, code string) (*githubclient.ManifestApp, error) {
	if err := s.states.Consume(ctx, stateToken, store.ProviderGitHub); err != nil {
		return nil, err
	}

	enterpriseURL := ""
	if s.githubCfg != nil {
		enterpriseURL = s.githubCfg.EnterpriseServerURL
	}
	app, err := githubclient.ConvertManifest(ctx, enterpriseURL, code)
	if err != nil {
		_ = s.states.MarkFailed(ctx, stateToken, "manifest conversion failed")
		return nil, err
	}

	appID := strconv.FormatInt(app.ID, 10)
	if err := s.creds.Rotate(ctx, store.CredentialGitHubAppPrivateKey, "", []byte(app.PEM), appID); err != nil {
		return nil, err
	}
	if err := s.creds.Rotate(ctx, store.CredentialGitHubWebhookSecret, "", []byte(app.WebhookSecret), ""); err != nil {
		return nil, err
	}
	if err := s.creds.Rotate(ctx, store.CredentialGitHubClientSecret, "", []byte(app.ClientSecret), app.ClientID); err != nil {
		return nil, err
	}

	if err := s.states.MarkCompleted(ctx, stateToken, appID, app.Name); err != nil {
		return nil, err
	}
	return app, nil
}

type githubAppResponse struct {
	AppID string `json:"app_id"`
	Name  string `json:"name"`
}

func (s *Server) handleGitHubApp(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		row, _, err := s.creds.GetActiveRow(r.Context(), store.CredentialGitHubAppPrivateKey, "")
		if err != nil {
			writeHandlerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, githubAppResponse{AppID: row.Metadata})
	case http.MethodDelete:
		if r.URL.Query().Get("force") != "true" {
			running, err := s.builds.ListRunning(r.Context())
			if err != nil {
				writeHandlerError(w, err)
				return
			}
			pending, err := s.builds.ListPending(r.Context())
			if err != nil {
				writeHandlerError(w, err)
				return
			}
			if len(running) > 0 || len(pending) > 0 {
				writeError(w, http.StatusConflict, "builds are in progress; pass ?force=true to delete anyway")
				return
			}
		}
		if err := s.creds.Delete(r.Context(), store.CredentialGitHubAppPrivateKey, ""); err != nil {
			writeHandlerError(w, err)
			return
		}
		_ = s.creds.Delete(r.Context(), store.CredentialGitHubWebhookSecret, "")
		_ = s.creds.Delete(r.Context(), store.CredentialGitHubClientSecret, "")
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) newGitHubClient(ctx context.Context) (*githubclient.Client, error) {
	if s.githubCfg == nil {
		return nil, ciorrors.New(ciorrors.KindCredentialError, "github app is not configured")
	}
	return githubclient.New(ctx, s.githubCfg, s.creds)
}

func (s *Server) handleGitHubInstallations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	client, err := s.newGitHubClient(r.Context())
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	installations, err := client.ListInstallations(r.Context())
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installations)
}

type syncResponse struct {
	Synced int `json:"synced"`
}

// handleGitHubSync re-lists the App's installations, confirming they are
// still reachable; it does not itself create Repository rows (those come
// from the admin explicitly calling POST /api/repositories), it only
// reports how many installations answered.
func (s *Server) handleGitHubSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	client, err := s.newGitHubClient(r.Context())
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	installations, err := client.ListInstallations(r.Context())
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Synced: len(installations)})
}
