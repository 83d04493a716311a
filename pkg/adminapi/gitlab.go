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
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/oore/oored/pkg/ids"
	"github.com/oore/oored/pkg/store"
)

// normalizeGitLabInstanceURL mirrors gitlabclient's own normalization so
// the admin API keys credentials the same way the client looks them up.
func normalizeGitLabInstanceURL(instanceURL string) string {
	instanceURL = strings.TrimSuffix(strings.TrimSpace(instanceURL), "/")
	if instanceURL == "" {
		return "https://gitlab.com"
	}
	return instanceURL
}

func (s *Server) requireGitLabClient(w http.ResponseWriter) bool {
	if s.gitlab == nil {
		writeError(w, http.StatusServiceUnavailable, "gitlab support is not configured")
		return false
	}
	return true
}

type registerGitLabAppRequest struct {
	InstanceURL  string `json:"instance_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// handleGitLabRegisterApp stores the OAuth application credentials an
// operator registered on a GitLab instance (self-hosted or gitlab.com),
// the prerequisite for handleGitLabSetup.
func (s *Server) handleGitLabRegisterApp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req registerGitLabAppRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		writeError(w, http.StatusBadRequest, "client_id and client_secret are required")
		return
	}
	instanceURL := normalizeGitLabInstanceURL(req.InstanceURL)
	if err := s.creds.Rotate(r.Context(), store.CredentialGitLabClientSecret, instanceURL, []byte(req.ClientSecret), req.ClientID); err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		InstanceURL string `json:"instance_url"`
	}{InstanceURL: instanceURL})
}

type gitlabSetupRequest struct {
	InstanceURL string `json:"instance_url"`
}

type gitlabSetupResponse struct {
	AuthorizeURL string `json:"authorize_url"`
	State        string `json:"state"`
}

func (s *Server) handleGitLabSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireGitLabClient(w) {
		return
	}
	var req gitlabSetupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	instanceURL := normalizeGitLabInstanceURL(req.InstanceURL)

	_, clientID, err := s.gitlabAppCredential(r.Context(), instanceURL)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	ctx := r.Context()
	state, err := s.states.Create(ctx, store.ProviderGitLab, &instanceURL)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	redirectURL := s.baseURL + "/setup/gitlab/callback"
	writeJSON(w, http.StatusOK, gitlabSetupResponse{
		AuthorizeURL: s.gitlab.AuthorizeURL(instanceURL, clientID, redirectURL, state.State),
		State:        state.State,
	})
}

// gitlabAppCredential returns the registered OAuth app's client secret and
// client id (the id rides as the credential row's non-secret Metadata).
func (s *Server) gitlabAppCredential(ctx context.Context, instanceURL string) (clientSecret, clientID string, err error) {
	row, plaintext, err := s.creds.GetActiveRow(ctx, store.CredentialGitLabClientSecret, instanceURL)
	if err != nil {
		return "", "", err
	}
	return string(plaintext), row.Metadata, nil
}

type gitlabCallbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

func (s *Server) handleGitLabCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireGitLabClient(w) {
		return
	}
	var req gitlabCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	user, err := s.completeGitLabOAuth(r.Context(), req.State, req.Code)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type gitlabUserResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// completeGitLabOAuth is shared by the admin POST callback and the public
// browser GET callback: read the pending state for its instance URL,
// consume it, exchange the code, persist the token pair, resolve the
// identity behind it, and mark the state completed.
func (s *Server) completeGitLabOAuth(ctx context.Context, stateToken, code string) (*gitlabUserResponse, error) {
	pending, err := s.states.Status(ctx, stateToken)
	if err != nil {
		return nil, err
	}
	instanceURL := normalizeGitLabInstanceURL("")
	if pending.InstanceURL != nil {
		instanceURL = normalizeGitLabInstanceURL(*pending.InstanceURL)
	}

	if err := s.states.Consume(ctx, stateToken, store.ProviderGitLab); err != nil {
		return nil, err
	}

	clientSecret, clientID, err := s.gitlabAppCredential(ctx, instanceURL)
	if err != nil {
		_ = s.states.MarkFailed(ctx, stateToken, "gitlab oauth app is not registered for this instance")
		return nil, err
	}

	redirectURL := s.baseURL + "/setup/gitlab/callback"
	token, err := s.gitlab.ExchangeCode(ctx, instanceURL, clientID, clientSecret, redirectURL, code)
	if err != nil {
		_ = s.states.MarkFailed(ctx, stateToken, "gitlab code exchange failed")
		return nil, err
	}
	if err := s.gitlab.PersistToken(ctx, instanceURL, token); err != nil {
		return nil, err
	}

	user, err := s.gitlab.CurrentUser(ctx, instanceURL, token.AccessToken)
	if err != nil {
		return nil, err
	}

	if err := s.states.MarkCompleted(ctx, stateToken, strconv.FormatInt(user.ID, 10), user.Username); err != nil {
		return nil, err
	}
	return &gitlabUserResponse{ID: user.ID, Username: user.Username}, nil
}

type gitlabCredentialEntry struct {
	InstanceURL string `json:"instance_url"`
	Connected   bool   `json:"connected"`
}

// handleGitLabCredentialsCollection reports every GitLab instance this
// server has a tracked repository against, and whether that instance
// currently has a live access token. There is no standalone "registered
// instances" table; instance URLs are discovered from Repository rows.
func (s *Server) handleGitLabCredentialsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	repos, err := s.repos.List(r.Context())
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	seen := map[string]bool{}
	var entries []gitlabCredentialEntry
	for _, repo := range repos {
		if repo.Provider != store.ProviderGitLab {
			continue
		}
		instanceURL := normalizeGitLabInstanceURL(repo.GitLabInstanceURL)
		if seen[instanceURL] {
			continue
		}
		seen[instanceURL] = true
		_, err := s.creds.GetActive(r.Context(), store.CredentialGitLabAccessToken, instanceURL)
		entries = append(entries, gitlabCredentialEntry{InstanceURL: instanceURL, Connected: err == nil})
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleGitLabCredentialsItem handles DELETE /api/gitlab/credentials/{instance_url}
// where the path segment is the URL-escaped instance URL.
func (s *Server) handleGitLabCredentialsItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	encoded := strings.TrimPrefix(r.URL.Path, "/api/gitlab/credentials/")
	encoded = strings.Trim(encoded, "/")
	instanceURL, err := url.QueryUnescape(encoded)
	if err != nil || instanceURL == "" {
		writeError(w, http.StatusBadRequest, "malformed instance url")
		return
	}
	instanceURL = normalizeGitLabInstanceURL(instanceURL)

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

	_ = s.creds.Delete(r.Context(), store.CredentialGitLabAccessToken, instanceURL)
	_ = s.creds.Delete(r.Context(), store.CredentialGitLabRefreshToken, instanceURL)
	if err := s.creds.Delete(r.Context(), store.CredentialGitLabClientSecret, instanceURL); err != nil {
		writeHandlerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGitLabProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireGitLabClient(w) {
		return
	}
	instanceURL := r.URL.Query().Get("instance_url")
	if instanceURL == "" {
		writeError(w, http.StatusBadRequest, "instance_url is required")
		return
	}
	instanceURL = normalizeGitLabInstanceURL(instanceURL)

	accessToken, err := s.creds.GetActive(r.Context(), store.CredentialGitLabAccessToken, instanceURL)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	projects, err := s.gitlab.ListProjects(r.Context(), instanceURL, string(accessToken), page, perPage)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// handleGitLabProjectEnabled toggles whether a GitLab project is tracked
// as a Repository: PUT creates or reactivates it, DELETE deactivates it
// without discarding its history, matching the soft-delete contract
// repositoriesStore.Delete already gives GitHub repositories.
func (s *Server) handleGitLabProjectEnabled(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/gitlab/projects/")
	rest = strings.TrimSuffix(strings.Trim(rest, "/"), "/enabled")
	if rest == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	projectID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed project id")
		return
	}
	instanceURL := normalizeGitLabInstanceURL(r.URL.Query().Get("instance_url"))

	switch r.Method {
	case http.MethodPut:
		s.enableGitLabProject(w, r, instanceURL, projectID)
	case http.MethodDelete:
		s.disableGitLabProject(w, r, instanceURL, projectID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) enableGitLabProject(w http.ResponseWriter, r *http.Request, instanceURL string, projectID int64) {
	if !s.requireGitLabClient(w) {
		return
	}
	nativeID := strconv.FormatInt(projectID, 10)
	ctx := r.Context()

	accessToken, err := s.creds.GetActive(ctx, store.CredentialGitLabAccessToken, instanceURL)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	project, err := s.gitlab.Project(ctx, instanceURL, string(accessToken), projectID)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	owner, name := splitPathWithNamespace(project.PathWithNamespace)

	existing, err := s.repos.GetByNativeID(ctx, store.ProviderGitLab, nativeID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			writeHandlerError(w, err)
			return
		}
		repo := &store.Repository{
			ID:                ids.New(),
			Provider:          store.ProviderGitLab,
			Owner:             owner,
			RepoName:          name,
			CloneURL:          project.HTTPURLToRepo,
			DefaultBranch:     project.DefaultBranch,
			IsActive:          true,
			ProviderNativeID:  nativeID,
			GitLabInstanceURL: instanceURL,
		}
		if err := s.repos.Create(ctx, repo); err != nil {
			writeHandlerError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, repo)
		return
	}

	existing.IsActive = true
	existing.CloneURL = project.HTTPURLToRepo
	existing.DefaultBranch = project.DefaultBranch
	if err := s.repos.Update(ctx, existing); err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) disableGitLabProject(w http.ResponseWriter, r *http.Request, instanceURL string, projectID int64) {
	ctx := r.Context()
	nativeID := strconv.FormatInt(projectID, 10)
	repo, err := s.repos.GetByNativeID(ctx, store.ProviderGitLab, nativeID)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	repo.IsActive = false
	if err := s.repos.Update(ctx, repo); err != nil {
		writeHandlerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func splitPathWithNamespace(pathWithNamespace string) (owner, name string) {
	idx := strings.LastIndex(pathWithNamespace, "/")
	if idx < 0 {
		return "", pathWithNamespace
	}
	return pathWithNamespace[:idx], pathWithNamespace[idx+1:]
}

func (s *Server) handleGitLabRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireGitLabClient(w) {
		return
	}
	instanceURL := normalizeGitLabInstanceURL(r.URL.Query().Get("instance_url"))
	ctx := r.Context()

	clientSecret, clientID, err := s.gitlabAppCredential(ctx, instanceURL)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	refreshToken, err := s.creds.GetActive(ctx, store.CredentialGitLabRefreshToken, instanceURL)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	token, err := s.gitlab.RefreshAccessToken(ctx, instanceURL, clientID, clientSecret, string(refreshToken))
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	if err := s.gitlab.PersistToken(ctx, instanceURL, token); err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Status: "refreshed"})
}
