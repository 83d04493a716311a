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

// Package adminauth guards the administrative subset of routes:
// trusted-proxy-aware client IP resolution, HTTPS enforcement, and a
// constant-time bearer token check, in that order.
package adminauth

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/crypto"
)

type apiResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Guard is the admin-route middleware. It is safe for concurrent use.
type Guard struct {
	adminToken     string
	trustedProxies []*net.IPNet
	devMode        bool
}

// New builds a Guard. trustedProxyCIDRs entries that fail to parse are
// rejected up front rather than silently ignored, since a malformed
// trust boundary is a security-relevant misconfiguration.
func New(adminToken string, trustedProxyCIDRs []string, devMode bool) (*Guard, error) {
	g := &Guard{adminToken: adminToken, devMode: devMode}
	for _, c := range trustedProxyCIDRs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		g.trustedProxies = append(g.trustedProxies, n)
	}
	return g, nil
}

func (g *Guard) isTrustedProxy(ip net.IP) bool {
	for _, n := range g.trustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware wraps next with the ordered auth checks. A request that
// fails any check never reaches next.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.FromContext(r.Context())

		peerIP, err := peerAddr(r.RemoteAddr)
		if err != nil {
			logger.WarnContext(r.Context(), "adminauth: unparsable remote address", "remote_addr", r.RemoteAddr, "error", err)
			writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Error: "malformed request"})
			return
		}

		trustedPeer := g.isTrustedProxy(peerIP)
		xff := r.Header.Get("X-Forwarded-For")
		xfp := r.Header.Get("X-Forwarded-Proto")
		if !trustedPeer && (xff != "" || xfp != "") {
			// step 1: an untrusted peer presenting forwarding headers is
			// either misconfigured or spoofing its origin.
			writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Error: "forwarding headers from untrusted peer"})
			return
		}

		clientIP := peerIP
		proto := "http"
		if trustedPeer {
			if ip := g.clientIPFromForwardedFor(xff); ip != nil {
				clientIP = ip
			}
			proto = xfp
		}

		if !g.httpsSatisfied(proto, clientIP) {
			writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Error: "https required"})
			return
		}

		if g.adminToken == "" {
			writeJSON(w, http.StatusServiceUnavailable, apiResponse{Status: "error", Error: "SETUP_DISABLED"})
			return
		}

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || !crypto.ConstantTimeEqual(token, g.adminToken) {
			writeJSON(w, http.StatusUnauthorized, apiResponse{Status: "error", Error: "unauthorized"})
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

// clientIPFromForwardedFor walks X-Forwarded-For right-to-left,
// returning the first entry that is not itself a trusted proxy —
// everything to its right was appended by proxies this server trusts to
// have recorded the truth; anything further left could have been forged
// by whatever sits behind that first untrusted hop.
func (g *Guard) clientIPFromForwardedFor(xff string) net.IP {
	if xff == "" {
		return nil
	}
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(parts[i]))
		if ip == nil {
			continue
		}
		if !g.isTrustedProxy(ip) {
			return ip
		}
	}
	return nil
}

// httpsSatisfied checks the HTTPS requirement. HTTPS is required by default;
// the only bypass is a dev-mode server talking to a loopback client,
// covering local development against the admin API without TLS.
func (g *Guard) httpsSatisfied(proto string, clientIP net.IP) bool {
	if g.devMode && clientIP != nil && clientIP.IsLoopback() {
		return true
	}
	return proto == "https"
}

func peerAddr(remoteAddr string) (net.IP, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// RemoteAddr without a port (e.g. in some test harnesses).
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errInvalidRemoteAddr(remoteAddr)
	}
	return ip, nil
}

type errInvalidRemoteAddr string

func (e errInvalidRemoteAddr) Error() string { return "adminauth: invalid remote address " + string(e) }

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}
