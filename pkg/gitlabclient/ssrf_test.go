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
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oore/oored/pkg/ciorrors"
)

func TestIsBlockedAddress(t *testing.T) {
	t.Parallel()

	blocked := []string{
		"10.0.0.1",        // private
		"172.16.5.1",      // private
		"192.168.1.1",     // private
		"127.0.0.1",       // loopback
		"::1",             // loopback
		"169.254.1.1",     // link-local
		"fe80::1",         // link-local
		"fc00::1",         // ULA
		"100.64.0.1",      // CGNAT
		"255.255.255.255", // broadcast
		"192.0.2.1",       // documentation
		"198.51.100.1",    // documentation
		"203.0.113.1",     // documentation
		"2001:db8::1",     // documentation
	}
	for _, s := range blocked {
		ip := net.ParseIP(s)
		if ip == nil {
			t.Fatalf("net.ParseIP(%q) failed", s)
		}
		if !isBlockedAddress(ip) {
			t.Errorf("isBlockedAddress(%s) = false, want true", s)
		}
	}

	allowed := []string{
		"8.8.8.8",
		"1.1.1.1",
		"2606:4700:4700::1111",
	}
	for _, s := range allowed {
		ip := net.ParseIP(s)
		if ip == nil {
			t.Fatalf("net.ParseIP(%q) failed", s)
		}
		if isBlockedAddress(ip) {
			t.Errorf("isBlockedAddress(%s) = true, want false", s)
		}
	}
}

func TestNewGate_RejectsBroadCIDRWithoutOverride(t *testing.T) {
	t.Parallel()

	if _, err := NewGate(nil, []string{"10.0.0.0/8"}, "", ""); err == nil {
		t.Fatal("expected a /8 allow-listed CIDR to be rejected without the override")
	}

	if _, err := NewGate(nil, []string{"10.0.0.0/8"}, "", "I_UNDERSTAND_THE_RISK"); err != nil {
		t.Fatalf("NewGate with override: %v", err)
	}
}

func TestGate_ClientFor_BlocksLoopbackByDefault(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	gate, err := NewGate(nil, nil, "", "")
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	_, err = gate.clientFor(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected clientFor to reject a loopback instance URL by default")
	}
	if !ciorrors.Is(err, ciorrors.KindSSRFBlocked) {
		t.Fatalf("clientFor error = %v, want KindSSRFBlocked", err)
	}
}

func TestGate_ClientFor_AllowsAllowlistedHost(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	host := strings.TrimPrefix(strings.TrimPrefix(srv.URL, "http://"), "https://")
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}

	gate, err := NewGate([]string{host}, nil, "", "")
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	client, err := gate.clientFor(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("clientFor: %v", err)
	}
	if client.Transport == nil {
		t.Fatal("expected a transport to be configured")
	}
}

func TestGate_ClientFor_GitLabComSkipsResolution(t *testing.T) {
	t.Parallel()

	gate, err := NewGate(nil, nil, "", "")
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if _, err := gate.clientFor(context.Background(), "https://gitlab.com"); err != nil {
		t.Fatalf("clientFor(gitlab.com) should never be SSRF-gated: %v", err)
	}
}
