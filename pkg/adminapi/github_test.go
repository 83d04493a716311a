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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oore/oored/pkg/ids"
	"github.com/oore/oored/pkg/store"
)

func TestGitHub_ManifestMintsStateAndCreateURL(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/github/manifest", nil)
	rr := h.do(t, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp manifestResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.State == "" || resp.Manifest == nil {
		t.Fatalf("resp = %+v", resp)
	}

	state, err := h.states.Get(t.Context(), resp.State)
	if err != nil {
		t.Fatalf("Get state: %v", err)
	}
	if state.Provider != store.ProviderGitHub || state.Status != store.OAuthStatePending {
		t.Fatalf("state = %+v", state)
	}
}

func TestGitHub_ManifestConflictsWhenAlreadyConfigured(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	if err := h.creds.Rotate(t.Context(), store.CredentialGitHubAppPrivateKey, "", []byte("pem"), "12345"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/github/manifest", nil)
	rr := h.do(t, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %s", rr.Code, rr.Body.String())
	}
}

func TestGitHub_AppReturnsConfiguredAppID(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	if err := h.creds.Rotate(t.Context(), store.CredentialGitHubAppPrivateKey, "", []byte("pem"), "987"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	rr := h.do(t, httptest.NewRequest(http.MethodGet, "/api/github/app", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp githubAppResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.AppID != "987" {
		t.Fatalf("AppID = %q, want 987", resp.AppID)
	}
}

func TestGitHub_AppDeleteRejectsWhileBuildsInFlightUnlessForced(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	if err := h.creds.Rotate(t.Context(), store.CredentialGitHubAppPrivateKey, "", []byte("pem"), "1"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	h.builds.put(&store.Build{ID: ids.New(), Status: store.BuildRunning})

	rr := h.do(t, httptest.NewRequest(http.MethodDelete, "/api/github/app", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %s", rr.Code, rr.Body.String())
	}

	forced := h.do(t, httptest.NewRequest(http.MethodDelete, "/api/github/app?force=true", nil))
	if forced.Code != http.StatusNoContent {
		t.Fatalf("forced status = %d, body = %s", forced.Code, forced.Body.String())
	}
}

func TestGitHub_InstallationsRequiresConfiguredApp(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	// Options.GitHubConfig is nil in the test harness, so every route that
	// needs a live client answers the same "not configured" error.
	rr := h.do(t, httptest.NewRequest(http.MethodGet, "/api/github/installations", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body = %s", rr.Code, rr.Body.String())
	}
}
