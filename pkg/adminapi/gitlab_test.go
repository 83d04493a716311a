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
	"net/url"
	"strings"
	"testing"

	"github.com/oore/oored/pkg/ids"
	"github.com/oore/oored/pkg/store"
)

func TestGitLab_RegisterAppStoresClientCredentials(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	body := `{"instance_url":"https://gitlab.example.com/","client_id":"cid","client_secret":"csecret"}`
	rr := h.do(t, httptest.NewRequest(http.MethodPost, "/api/gitlab/apps", strings.NewReader(body)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	plaintext, err := h.creds.GetActive(t.Context(), store.CredentialGitLabClientSecret, "https://gitlab.example.com")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if string(plaintext) != "csecret" {
		t.Fatalf("plaintext = %q, want csecret", plaintext)
	}
}

func TestGitLab_RegisterAppRejectsMissingFields(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	rr := h.do(t, httptest.NewRequest(http.MethodPost, "/api/gitlab/apps", strings.NewReader(`{"instance_url":"https://gitlab.com"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

// The test harness wires Options.GitLab as nil, matching a server that was
// never given GitLab SSRF-gate configuration; every route behind
// requireGitLabClient must answer 503 rather than panic on a nil client.
func TestGitLab_RoutesThatNeedAClientAnswer503WhenUnconfigured(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	setupRR := h.do(t, httptest.NewRequest(http.MethodPost, "/api/gitlab/setup", strings.NewReader(`{"instance_url":"https://gitlab.com"}`)))
	if setupRR.Code != http.StatusServiceUnavailable {
		t.Fatalf("setup status = %d, want 503, body = %s", setupRR.Code, setupRR.Body.String())
	}

	callbackRR := h.do(t, httptest.NewRequest(http.MethodPost, "/api/gitlab/callback", strings.NewReader(`{"code":"c","state":"s"}`)))
	if callbackRR.Code != http.StatusServiceUnavailable {
		t.Fatalf("callback status = %d, want 503", callbackRR.Code)
	}

	projectsRR := h.do(t, httptest.NewRequest(http.MethodGet, "/api/gitlab/projects?instance_url=https://gitlab.com", nil))
	if projectsRR.Code != http.StatusServiceUnavailable {
		t.Fatalf("projects status = %d, want 503", projectsRR.Code)
	}

	refreshRR := h.do(t, httptest.NewRequest(http.MethodPost, "/api/gitlab/refresh?instance_url=https://gitlab.com", nil))
	if refreshRR.Code != http.StatusServiceUnavailable {
		t.Fatalf("refresh status = %d, want 503", refreshRR.Code)
	}
}

func TestGitLab_CredentialsCollectionReportsDiscoveredInstances(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	h.repos.Create(t.Context(), &store.Repository{
		ID:                ids.New(),
		Provider:          store.ProviderGitLab,
		GitLabInstanceURL: "https://gitlab.example.com",
	})
	if err := h.creds.Rotate(t.Context(), store.CredentialGitLabAccessToken, "https://gitlab.example.com", []byte("tok"), ""); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	rr := h.do(t, httptest.NewRequest(http.MethodGet, "/api/gitlab/credentials", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var entries []gitlabCredentialEntry
	if err := json.Unmarshal(rr.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) != 1 || entries[0].InstanceURL != "https://gitlab.example.com" || !entries[0].Connected {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestGitLab_CredentialsItemDeleteRejectsEncodedInstanceURLMissing(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	rr := h.do(t, httptest.NewRequest(http.MethodDelete, "/api/gitlab/credentials/", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rr.Code, rr.Body.String())
	}
}

func TestGitLab_CredentialsItemDeleteRemovesTokensAndAppSecret(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	instanceURL := "https://gitlab.example.com"
	if err := h.creds.Rotate(t.Context(), store.CredentialGitLabAccessToken, instanceURL, []byte("tok"), ""); err != nil {
		t.Fatalf("Rotate access: %v", err)
	}
	if err := h.creds.Rotate(t.Context(), store.CredentialGitLabClientSecret, instanceURL, []byte("csecret"), "cid"); err != nil {
		t.Fatalf("Rotate client secret: %v", err)
	}

	path := "/api/gitlab/credentials/" + url.QueryEscape(instanceURL)
	rr := h.do(t, httptest.NewRequest(http.MethodDelete, path, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	if _, err := h.creds.GetActive(t.Context(), store.CredentialGitLabClientSecret, instanceURL); err == nil {
		t.Fatal("expected client secret to be gone")
	}
}

func TestGitLab_ProjectEnabledDisableDeactivatesRepository(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	repo := &store.Repository{
		ID:                ids.New(),
		Provider:          store.ProviderGitLab,
		ProviderNativeID:  "42",
		GitLabInstanceURL: "https://gitlab.example.com",
		IsActive:          true,
	}
	h.repos.Create(t.Context(), repo)

	path := "/api/gitlab/projects/42/enabled?instance_url=" + url.QueryEscape("https://gitlab.example.com")
	rr := h.do(t, httptest.NewRequest(http.MethodDelete, path, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	got, err := h.repos.GetByNativeID(t.Context(), store.ProviderGitLab, "42")
	if err != nil {
		t.Fatalf("GetByNativeID: %v", err)
	}
	if got.IsActive {
		t.Fatal("expected repository to be deactivated")
	}
}

func TestGitLab_ProjectEnabledRejectsMalformedProjectID(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	rr := h.do(t, httptest.NewRequest(http.MethodDelete, "/api/gitlab/projects/not-a-number/enabled", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rr.Code, rr.Body.String())
	}
}
