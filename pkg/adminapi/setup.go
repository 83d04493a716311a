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
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"

	"github.com/oore/oored/pkg/githubclient"
	"github.com/oore/oored/pkg/store"
)

// setupCSP is the strict Content-Security-Policy every public setup page
// answers with: no external scripts, no framing, nothing but the
// same-origin auto-submitting form these pages render.
const setupCSP = "default-src 'none'; form-action https: 'self'; script-src 'unsafe-inline'; style-src 'unsafe-inline'; base-uri 'none'; frame-ancestors 'none'"

func writeHTMLHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Security-Policy", setupCSP)
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

func writeHTMLError(w http.ResponseWriter, status int, message string) {
	writeHTMLHeaders(w)
	w.WriteHeader(status)
	_ = setupErrorTemplate.Execute(w, struct{ Message string }{Message: message})
}

var setupCreateTemplate = template.Must(template.New("setup-create").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Create GitHub App</title></head>
<body onload="document.forms[0].submit()">
<p>Redirecting to GitHub to finish creating the App&hellip;</p>
<form action="{{.ActionURL}}" method="post">
<input type="hidden" name="manifest" value='{{.ManifestJSON}}'>
<noscript><button type="submit">Continue</button></noscript>
</form>
</body></html>`))

var setupInstalledTemplate = template.Must(template.New("setup-installed").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>GitHub App installed</title></head>
<body><p>The GitHub App was created and its credentials were saved. You can close this window.</p></body></html>`))

var setupErrorTemplate = template.Must(template.New("setup-error").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Setup failed</title></head>
<body><p>Setup failed: {{.Message}}</p></body></html>`))

// handleSetupGitHubCreate renders the auto-submitting form that carries
// the App manifest to GitHub's /settings/apps/new?state=... endpoint.
// state must name a still-pending OAuthState; this is
// a browser-navigated GET, so its only guard is the state token itself.
func (s *Server) handleSetupGitHubCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeHTMLError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	state := r.URL.Query().Get("state")
	if state == "" {
		writeHTMLError(w, http.StatusBadRequest, "missing state parameter")
		return
	}
	row, err := s.states.Status(r.Context(), state)
	if err != nil {
		writeHTMLError(w, http.StatusNotFound, "setup link is invalid or has expired")
		return
	}
	if row.Provider != store.ProviderGitHub || row.Status != store.OAuthStatePending {
		writeHTMLError(w, http.StatusConflict, "setup link is invalid or has expired")
		return
	}

	manifest := githubclient.BuildManifest(s.baseURL)
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		writeHTMLError(w, http.StatusInternalServerError, "failed to render app manifest")
		return
	}

	actionURL := "https://github.com/settings/apps/new?state=" + template.URLQueryEscaper(state)
	if s.githubCfg != nil && s.githubCfg.EnterpriseServerURL != "" {
		actionURL = s.githubCfg.EnterpriseServerURL + "/settings/apps/new?state=" + template.URLQueryEscaper(state)
	}

	writeHTMLHeaders(w)
	_ = setupCreateTemplate.Execute(w, struct {
		ActionURL    string
		ManifestJSON string
	}{
		ActionURL:    actionURL,
		ManifestJSON: string(manifestJSON),
	})
}

// handleSetupGitHubCallback is GitHub's browser redirect back after the
// operator submits the manifest form: it exchanges the code and redirects
// to the installed page, or renders an error page on failure.
func (s *Server) handleSetupGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeHTMLError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeHTMLError(w, http.StatusBadRequest, "missing code or state parameter")
		return
	}
	if _, err := s.completeGitHubManifest(r.Context(), state, code); err != nil {
		status, _ := statusForError(err)
		writeHTMLError(w, status, "could not complete the GitHub App setup")
		return
	}
	writeHTMLHeaders(w)
	w.Header().Set("Location", s.baseURL+"/setup/github/installed")
	w.WriteHeader(http.StatusFound)
}

func (s *Server) handleSetupGitHubInstalled(w http.ResponseWriter, r *http.Request) {
	writeHTMLHeaders(w)
	_ = setupInstalledTemplate.Execute(w, nil)
}

// handleSetupGitLabCallback is GitLab's OAuth redirect back after the
// operator authorizes the application.
func (s *Server) handleSetupGitLabCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeHTMLError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireGitLabClient(w) {
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeHTMLError(w, http.StatusBadRequest, "missing code or state parameter")
		return
	}
	if _, err := s.completeGitLabOAuth(r.Context(), state, code); err != nil {
		status, _ := statusForError(err)
		writeHTMLError(w, status, "could not complete the GitLab setup")
		return
	}
	writeHTMLHeaders(w)
	fmt.Fprint(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>GitLab connected</title></head>"+
		"<body><p>GitLab was connected successfully. You can close this window.</p></body></html>")
}

type setupStatusResponse struct {
	Status       store.OAuthStateStatus `json:"status"`
	AppID        *string                `json:"app_id,omitempty"`
	AppName      *string                `json:"app_name,omitempty"`
	ErrorMessage *string                `json:"error_message,omitempty"`
}

// handleSetupStatus backs the CLI's polling loop: its only authorization
// is possession of the state token, so it deliberately answers with
// nothing more than the status enum and the two outcome fields.
func (s *Server) handleSetupStatus(provider store.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		state := r.URL.Query().Get("state")
		if state == "" {
			writeError(w, http.StatusBadRequest, "missing state parameter")
			return
		}
		row, err := s.states.Status(r.Context(), state)
		if err != nil {
			writeHandlerError(w, err)
			return
		}
		if row.Provider != provider {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, setupStatusResponse{
			Status:       row.Status,
			AppID:        row.AppID,
			AppName:      row.AppName,
			ErrorMessage: row.ErrorMessage,
		})
	}
}
