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

// Package adminapi implements the administrative and browser-facing setup
// HTTP surface: repository/build management behind pkg/adminauth's
// Guard, plus the public GitHub/GitLab App setup round-trip whose only
// authorization is possession of a short-lived state token.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/adminauth"
	"github.com/oore/oored/pkg/buildproc"
	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/credentials"
	"github.com/oore/oored/pkg/githubclient"
	"github.com/oore/oored/pkg/gitlabclient"
	"github.com/oore/oored/pkg/oauthstate"
	"github.com/oore/oored/pkg/store"
)

// Server holds every dependency the admin and setup routes need.
type Server struct {
	repos     store.Repositories
	builds    store.Builds
	steps     store.BuildSteps
	logs      store.BuildLogs
	artifacts store.BuildArtifacts

	creds     *credentials.Store
	states    *oauthstate.Machine
	scheduler *buildproc.Scheduler

	githubCfg *githubclient.Config
	gitlab    *gitlabclient.Client

	guard *adminauth.Guard

	baseURL      string
	logsDir      string
	artifactsDir string
	pepper       string
}

// Options bundles New's dependencies.
type Options struct {
	Repos     store.Repositories
	Builds    store.Builds
	Steps     store.BuildSteps
	Logs      store.BuildLogs
	Artifacts store.BuildArtifacts

	Credentials *credentials.Store
	States      *oauthstate.Machine
	Scheduler   *buildproc.Scheduler

	// GitHubConfig is the App's non-secret configuration (app id,
	// enterprise URL). A Client is built on demand per-request since the
	// App's private key can be rotated or deleted by these very routes.
	GitHubConfig *githubclient.Config
	// GitLab may be nil if no SSRF-gate configuration was supplied; the
	// GitLab routes then answer 503.
	GitLab *gitlabclient.Client

	Guard *adminauth.Guard

	BaseURL      string
	LogsDir      string
	ArtifactsDir string
	// Pepper is GITLAB_SERVER_PEPPER, used to fingerprint a per-repository
	// GitLab webhook secret at repository-creation time.
	Pepper string
}

func New(opts *Options) (*Server, error) {
	if opts.Repos == nil || opts.Builds == nil || opts.Steps == nil || opts.Logs == nil || opts.Artifacts == nil {
		return nil, fmt.Errorf("adminapi: Repos, Builds, Steps, Logs, and Artifacts are all required")
	}
	if opts.Credentials == nil || opts.States == nil || opts.Scheduler == nil {
		return nil, fmt.Errorf("adminapi: Credentials, States, and Scheduler are all required")
	}
	if opts.Guard == nil {
		return nil, fmt.Errorf("adminapi: Guard is required")
	}
	return &Server{
		repos:        opts.Repos,
		builds:       opts.Builds,
		steps:        opts.Steps,
		logs:         opts.Logs,
		artifacts:    opts.Artifacts,
		creds:        opts.Credentials,
		states:       opts.States,
		scheduler:    opts.Scheduler,
		githubCfg:    opts.GitHubConfig,
		gitlab:       opts.GitLab,
		guard:        opts.Guard,
		baseURL:      opts.BaseURL,
		logsDir:      opts.LogsDir,
		artifactsDir: opts.ArtifactsDir,
		pepper:       opts.Pepper,
	}, nil
}

// Routes builds the mux this server answers on: admin routes wrapped in
// the Guard, and public setup/status routes left unwrapped. pkg/cli's
// server command mounts the returned handler at the "/api/" and
// "/setup/" prefixes alongside pkg/webhook's mux; the webhook paths under
// "/api/webhooks/" are more specific and so take precedence there.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()

	// admin carries every bearer-token-protected route. It is mounted
	// once on the outer mux at the "/api/" prefix; the more specific
	// public patterns registered below (e.g. "/api/github/setup/status")
	// take precedence over that prefix under net/http's longest-match
	// rule, so they never reach the Guard.
	admin := http.NewServeMux()
	admin.HandleFunc("/api/repositories", s.handleRepositoriesCollection)
	admin.HandleFunc("/api/repositories/", s.handleRepositoriesItem)

	admin.HandleFunc("/api/builds", s.handleBuildsCollection)
	admin.HandleFunc("/api/builds/", s.handleBuildsItem)

	admin.HandleFunc("/api/github/manifest", s.handleGitHubManifest)
	admin.HandleFunc("/api/github/callback", s.handleGitHubCallback)
	admin.HandleFunc("/api/github/app", s.handleGitHubApp)
	admin.HandleFunc("/api/github/installations", s.handleGitHubInstallations)
	admin.HandleFunc("/api/github/sync", s.handleGitHubSync)

	admin.HandleFunc("/api/gitlab/setup", s.handleGitLabSetup)
	admin.HandleFunc("/api/gitlab/callback", s.handleGitLabCallback)
	admin.HandleFunc("/api/gitlab/credentials", s.handleGitLabCredentialsCollection)
	admin.HandleFunc("/api/gitlab/credentials/", s.handleGitLabCredentialsItem)
	admin.HandleFunc("/api/gitlab/projects", s.handleGitLabProjects)
	admin.HandleFunc("/api/gitlab/projects/", s.handleGitLabProjectEnabled)
	admin.HandleFunc("/api/gitlab/refresh", s.handleGitLabRefresh)
	admin.HandleFunc("/api/gitlab/apps", s.handleGitLabRegisterApp)

	mux.Handle("/api/", s.guard.Middleware(admin))

	// Public: the browser round-trip and its CLI polling counterpart.
	// Authorization here is possession of the state token itself.
	mux.HandleFunc("/setup/github/create", s.handleSetupGitHubCreate)
	mux.HandleFunc("/setup/github/callback", s.handleSetupGitHubCallback)
	mux.HandleFunc("/setup/gitlab/callback", s.handleSetupGitLabCallback)
	mux.HandleFunc("/setup/github/installed", s.handleSetupGitHubInstalled)
	mux.HandleFunc("/api/github/setup/status", s.handleSetupStatus(store.ProviderGitHub))
	mux.HandleFunc("/api/gitlab/setup/status", s.handleSetupStatus(store.ProviderGitLab))

	return logging.HTTPInterceptor(logger, "oored-admin")(mux)
}

type apiResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Status: "error", Error: msg})
}

// statusForError maps a typed error (or a raw store sentinel) to an HTTP
// status code. This is the one place that mapping lives; every
// admin handler funnels its terminal errors through it rather than
// re-deriving a status code locally.
func statusForError(err error) (int, string) {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "not found"
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, "conflict"
	}
	kind, ok := ciorrors.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, "internal error"
	}
	switch kind {
	case ciorrors.KindNotFound:
		return http.StatusNotFound, "not found"
	case ciorrors.KindCredentialError:
		return http.StatusServiceUnavailable, "ENCRYPTION_NOT_CONFIGURED"
	case ciorrors.KindProviderAPIError:
		return http.StatusBadGateway, "upstream provider error"
	case ciorrors.KindDuplicate:
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeHandlerError(w http.ResponseWriter, err error) {
	status, msg := statusForError(err)
	writeError(w, status, msg)
}

// decodeJSON reads and decodes a JSON request body, rejecting unknown
// fields so a typo in a request never silently becomes a zero value.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
