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

package adminauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func testGuard(t *testing.T, adminToken string, trustedProxies []string, devMode bool) *Guard {
	t.Helper()
	g, err := New(adminToken, trustedProxies, devMode)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_RejectsForwardingHeadersFromUntrustedPeer(t *testing.T) {
	t.Parallel()

	g := testGuard(t, "secret", nil, false)
	req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("Authorization", "Bearer secret")

	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMiddleware_SetupDisabledWithNoAdminToken(t *testing.T) {
	t.Parallel()

	g := testGuard(t, "", []string{"10.0.0.0/8"}, false)
	req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set("X-Forwarded-Proto", "https")

	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMiddleware_RequiresHTTPSBehindTrustedProxy(t *testing.T) {
	t.Parallel()

	g := testGuard(t, "secret", []string{"10.0.0.0/8"}, false)
	req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set("X-Forwarded-Proto", "http")
	req.Header.Set("Authorization", "Bearer secret")

	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMiddleware_RejectsBadToken(t *testing.T) {
	t.Parallel()

	g := testGuard(t, "secret", []string{"10.0.0.0/8"}, false)
	req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("Authorization", "Bearer wrong")

	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddleware_SucceedsAndSetsCacheHeaders(t *testing.T) {
	t.Parallel()

	g := testGuard(t, "secret", []string{"10.0.0.0/8"}, false)
	req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("Authorization", "Bearer secret")

	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", rec.Header().Get("Cache-Control"))
	}
}

func TestMiddleware_DevModeLoopbackBypassesHTTPS(t *testing.T) {
	t.Parallel()

	g := testGuard(t, "secret", nil, true)
	req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	req.Header.Set("Authorization", "Bearer secret")

	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_DirectConnectionWithoutDevModeRejected(t *testing.T) {
	t.Parallel()

	g := testGuard(t, "secret", nil, false)
	req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	req.Header.Set("Authorization", "Bearer secret")

	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (direct connections are never https)", rec.Code)
	}
}

func TestClientIPFromForwardedFor_StopsAtFirstUntrustedEntry(t *testing.T) {
	t.Parallel()

	g := testGuard(t, "secret", []string{"10.0.0.0/8"}, false)
	// Rightmost (10.0.0.2) and next (10.0.0.1) are both trusted proxies;
	// the real client (203.0.113.9) is the first untrusted entry, at the
	// left edge of the chain.
	got := g.clientIPFromForwardedFor("203.0.113.9, 10.0.0.1, 10.0.0.2")
	if got == nil || got.String() != "203.0.113.9" {
		t.Fatalf("clientIPFromForwardedFor = %v, want 203.0.113.9", got)
	}
}

func TestNew_RejectsInvalidCIDR(t *testing.T) {
	t.Parallel()

	if _, err := New("secret", []string{"not-a-cidr"}, false); err == nil {
		t.Fatal("expected an error for a malformed trusted-proxy CIDR")
	}
}
