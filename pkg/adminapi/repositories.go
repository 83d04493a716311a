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
	"net/http"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/crypto"
	"github.com/oore/oored/pkg/ids"
	"github.com/oore/oored/pkg/store"
)

func (s *Server) handleRepositoriesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRepositories(w, r)
	case http.MethodPost:
		s.createRepository(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRepositoriesItem dispatches everything under
// /api/repositories/{id}[/webhook-url|/trigger].
func (s *Server) handleRepositoriesItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/repositories/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if !ids.Valid(id) {
		writeError(w, http.StatusBadRequest, "malformed repository id")
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "webhook-url":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			s.webhookURL(w, r, id)
		case "trigger":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			s.triggerBuild(w, r, id)
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getRepository(w, r, id)
	case http.MethodPut:
		s.updateRepository(w, r, id)
	case http.MethodDelete:
		s.deleteRepository(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.repos.List(r.Context())
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

type createRepositoryRequest struct {
	Provider          store.Provider `json:"provider"`
	Owner             string         `json:"owner"`
	RepoName          string         `json:"repo_name"`
	CloneURL          string         `json:"clone_url"`
	DefaultBranch     string         `json:"default_branch"`
	ProviderNativeID  string         `json:"provider_native_id"`
	GitLabInstanceURL string         `json:"gitlab_instance_url,omitempty"`
	// GitLabWebhookSecret is the plaintext per-repository secret GitLab
	// will send back as X-Gitlab-Token; only its HMAC fingerprint is
	// stored.
	GitLabWebhookSecret string `json:"gitlab_webhook_secret,omitempty"`
}

func (s *Server) createRepository(w http.ResponseWriter, r *http.Request) {
	var req createRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Owner == "" || req.RepoName == "" || req.CloneURL == "" {
		writeError(w, http.StatusBadRequest, "owner, repo_name, and clone_url are required")
		return
	}
	if req.Provider != store.ProviderGitHub && req.Provider != store.ProviderGitLab {
		writeError(w, http.StatusBadRequest, "provider must be github or gitlab")
		return
	}
	if req.DefaultBranch == "" {
		req.DefaultBranch = "main"
	}

	repo := &store.Repository{
		Provider:          req.Provider,
		Owner:             req.Owner,
		RepoName:          req.RepoName,
		CloneURL:          req.CloneURL,
		DefaultBranch:     req.DefaultBranch,
		IsActive:          true,
		ProviderNativeID:  req.ProviderNativeID,
		GitLabInstanceURL: req.GitLabInstanceURL,
	}
	if req.Provider == store.ProviderGitLab && req.GitLabWebhookSecret != "" {
		repo.WebhookSecretFingerprint = crypto.MAC(s.pepper, req.GitLabWebhookSecret)
	}

	if err := s.repos.Create(r.Context(), repo); err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) getRepository(w http.ResponseWriter, r *http.Request, id string) {
	repo, err := s.repos.Get(r.Context(), id)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

type updateRepositoryRequest struct {
	CloneURL            *string `json:"clone_url"`
	DefaultBranch       *string `json:"default_branch"`
	IsActive            *bool   `json:"is_active"`
	GitLabWebhookSecret *string `json:"gitlab_webhook_secret"`
}

// updateRepository applies only the fields present in the request,
// leaving everything else untouched, so clearing a single field never
// requires round-tripping the whole resource.
func (s *Server) updateRepository(w http.ResponseWriter, r *http.Request, id string) {
	var req updateRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	repo, err := s.repos.Get(r.Context(), id)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	if req.CloneURL != nil {
		repo.CloneURL = *req.CloneURL
	}
	if req.DefaultBranch != nil {
		repo.DefaultBranch = *req.DefaultBranch
	}
	if req.IsActive != nil {
		repo.IsActive = *req.IsActive
	}
	if req.GitLabWebhookSecret != nil {
		repo.WebhookSecretFingerprint = crypto.MAC(s.pepper, *req.GitLabWebhookSecret)
	}

	if err := s.repos.Update(r.Context(), repo); err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// deleteRepository checks existence before deleting rather than relying
// on rows-affected, since repositoriesStore.Delete is a soft-delete
// (is_active=0) that succeeds unconditionally against a missing id.
func (s *Server) deleteRepository(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.repos.Get(r.Context(), id); err != nil {
		writeHandlerError(w, err)
		return
	}
	if err := s.repos.Delete(r.Context(), id); err != nil {
		writeHandlerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type webhookURLResponse struct {
	WebhookURL string         `json:"webhook_url"`
	Provider   store.Provider `json:"provider"`
}

func (s *Server) webhookURL(w http.ResponseWriter, r *http.Request, id string) {
	repo, err := s.repos.Get(r.Context(), id)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	resp := webhookURLResponse{Provider: repo.Provider}
	switch repo.Provider {
	case store.ProviderGitHub:
		// GitHub Apps register one webhook URL at the App level; every
		// installed repository shares it.
		resp.WebhookURL = s.baseURL + "/api/webhooks/github"
	case store.ProviderGitLab:
		resp.WebhookURL = s.baseURL + "/api/webhooks/gitlab/" + repo.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type triggerBuildRequest struct {
	Branch    *string `json:"branch"`
	CommitSHA *string `json:"commit_sha"`
}

type triggerBuildResponse struct {
	BuildID string `json:"build_id"`
}

// triggerBuild creates a manual Build row and enqueues it. A failed
// enqueue (the build channel is saturated) is logged but does not fail
// the request: the row already exists and startup recovery will pick it
// up, the same contract webhook ingestion gives a durable-but-deferred
// delivery.
func (s *Server) triggerBuild(w http.ResponseWriter, r *http.Request, repositoryID string) {
	var req triggerBuildRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	repo, err := s.repos.Get(r.Context(), repositoryID)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	branch := repo.DefaultBranch
	if req.Branch != nil && *req.Branch != "" {
		branch = *req.Branch
	}
	commitSHA := "HEAD"
	if req.CommitSHA != nil && *req.CommitSHA != "" {
		commitSHA = *req.CommitSHA
	}

	build := &store.Build{
		ID:           ids.New(),
		RepositoryID: repo.ID,
		CommitSHA:    commitSHA,
		Branch:       branch,
		TriggerType:  store.TriggerManual,
		Status:       store.BuildPending,
		ConfigSource: store.ConfigSourceRepository,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.builds.Create(r.Context(), build); err != nil {
		writeHandlerError(w, err)
		return
	}

	select {
	case s.scheduler.SendQueue() <- build.ID:
	default:
		logging.FromContext(r.Context()).WarnContext(r.Context(), "build queue is full; build will be picked up by startup recovery", "build_id", build.ID)
	}

	writeJSON(w, http.StatusAccepted, triggerBuildResponse{BuildID: build.ID})
}
