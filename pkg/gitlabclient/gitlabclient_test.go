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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/oore/oored/pkg/credentials"
	"github.com/oore/oored/pkg/crypto"
	"github.com/oore/oored/pkg/store"
)

// fakeCredentials is an in-memory store.Credentials, the same fake shape
// pkg/credentials tests itself with.
type fakeCredentials struct {
	active map[string]*store.Credential
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{active: map[string]*store.Credential{}}
}

func credKey(kind store.CredentialKind, owner string) string { return string(kind) + "/" + owner }

func (f *fakeCredentials) GetActive(_ context.Context, kind store.CredentialKind, ownerKey string) (*store.Credential, error) {
	c, ok := f.active[credKey(kind, ownerKey)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeCredentials) Rotate(_ context.Context, c *store.Credential) error {
	f.active[credKey(c.Kind, c.OwnerKey)] = c
	return nil
}

func (f *fakeCredentials) Delete(_ context.Context, kind store.CredentialKind, ownerKey string) error {
	delete(f.active, credKey(kind, ownerKey))
	return nil
}

func testStore(t *testing.T) *credentials.Store {
	t.Helper()
	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{0x22}, crypto.KeySize))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return credentials.New(newFakeCredentials(), cipher)
}

// instanceHost strips scheme and port from an httptest server URL, for
// allow-listing it against the SSRF gate.
func instanceHost(rawURL string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(rawURL, "http://"), "https://")
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}

func testClient(t *testing.T, instanceURL string) (*Client, *credentials.Store) {
	t.Helper()
	store := testStore(t)
	gate, err := NewGate([]string{instanceHost(instanceURL)}, nil, "", "")
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return &Client{gate: gate, creds: store, backoffInitialDelay: time.Millisecond, maxRetryAttempts: 2}, store
}

func TestExchangeCode_ReturnsToken(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-123",
			"refresh_token": "refresh-123",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := testClient(t, srv.URL)
	token, err := c.ExchangeCode(context.Background(), srv.URL, "client-id", "client-secret", "https://oored.example/callback", "auth-code")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if token.AccessToken != "access-123" {
		t.Fatalf("AccessToken = %q, want access-123", token.AccessToken)
	}
	if token.RefreshToken != "refresh-123" {
		t.Fatalf("RefreshToken = %q, want refresh-123", token.RefreshToken)
	}
}

func TestPersistThenTokenForRepository_ReturnsStoredToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c, _ := testClient(t, srv.URL)
	ctx := context.Background()

	if err := c.PersistToken(ctx, srv.URL, &oauth2.Token{AccessToken: "access-abc", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("PersistToken: %v", err)
	}

	repo := &store.Repository{Provider: store.ProviderGitLab, GitLabInstanceURL: srv.URL}
	got, err := c.TokenForRepository(ctx, repo)
	if err != nil {
		t.Fatalf("TokenForRepository: %v", err)
	}
	if got != "access-abc" {
		t.Fatalf("TokenForRepository = %q, want access-abc", got)
	}
}

func TestTokenForRepository_RefreshesWhenNearExpiry(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "refreshed-access",
			"refresh_token": "refreshed-refresh",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, credStore := testClient(t, srv.URL)
	ctx := context.Background()

	if err := credStore.Rotate(ctx, store.CredentialGitLabAccessToken, srv.URL, []byte("stale-access"), time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("Rotate access token: %v", err)
	}
	if err := credStore.Rotate(ctx, store.CredentialGitLabRefreshToken, srv.URL, []byte("refresh-token"), ""); err != nil {
		t.Fatalf("Rotate refresh token: %v", err)
	}
	if err := credStore.Rotate(ctx, store.CredentialGitLabClientSecret, srv.URL, []byte("client-secret"), "client-id"); err != nil {
		t.Fatalf("Rotate client secret: %v", err)
	}

	repo := &store.Repository{Provider: store.ProviderGitLab, GitLabInstanceURL: srv.URL}
	got, err := c.TokenForRepository(ctx, repo)
	if err != nil {
		t.Fatalf("TokenForRepository: %v", err)
	}
	if got != "refreshed-access" {
		t.Fatalf("TokenForRepository = %q, want refreshed-access", got)
	}

	stored, _, err := credStore.GetActiveRow(ctx, store.CredentialGitLabAccessToken, srv.URL)
	if err != nil {
		t.Fatalf("GetActiveRow: %v", err)
	}
	if stored.Metadata == "" {
		t.Fatal("expected the refreshed token's expiry to be persisted")
	}
}

func TestListProjectsAndCurrentUser(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/user", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-xyz" {
			t.Errorf("Authorization header = %q", got)
		}
		_ = json.NewEncoder(w).Encode(User{ID: 42, Username: "ci-bot"})
	})
	mux.HandleFunc("/api/v4/projects", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Project{
			{ID: 1, PathWithNamespace: "group/app", HTTPURLToRepo: "https://example/group/app.git", DefaultBranch: "main"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := testClient(t, srv.URL)
	ctx := context.Background()

	u, err := c.CurrentUser(ctx, srv.URL, "token-xyz")
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if u.ID != 42 || u.Username != "ci-bot" {
		t.Fatalf("CurrentUser = %+v, want id=42 username=ci-bot", u)
	}

	projects, err := c.ListProjects(ctx, srv.URL, "token-xyz", 1, 10)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 1 || projects[0].PathWithNamespace != "group/app" {
		t.Fatalf("ListProjects = %+v", projects)
	}
}

func TestNearExpiry(t *testing.T) {
	t.Parallel()

	if nearExpiry("") {
		t.Fatal("empty metadata should not be treated as near expiry")
	}
	if nearExpiry("not-a-time") {
		t.Fatal("unparsable metadata should not be treated as near expiry")
	}
	if !nearExpiry(time.Now().Add(time.Minute).UTC().Format(time.RFC3339)) {
		t.Fatal("an expiry within refreshSkew should be near expiry")
	}
	if nearExpiry(time.Now().Add(time.Hour).UTC().Format(time.RFC3339)) {
		t.Fatal("an expiry an hour out should not be near expiry")
	}
}
