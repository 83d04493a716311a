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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/oore/oored/pkg/ciorrors"
)

// cgnatBlock, docBlocks and broadcastAddr cover the address classes Go's
// net.IP has no direct predicate for; the rest (private, loopback,
// link-local, ULA) come from net.IP's own IsPrivate/IsLoopback/
// IsLinkLocalUnicast, which have covered IPv4 and IPv6 ULA since Go 1.17.
var (
	cgnatBlock = mustParseCIDR("100.64.0.0/10")
	docBlocks  = []*net.IPNet{
		mustParseCIDR("192.0.2.0/24"),
		mustParseCIDR("198.51.100.0/24"),
		mustParseCIDR("203.0.113.0/24"),
		mustParseCIDR("2001:db8::/32"),
	}
	broadcastAddr = net.IPv4(255, 255, 255, 255)
)

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(fmt.Sprintf("gitlabclient: invalid hardcoded CIDR %q: %v", s, err))
	}
	return n
}

// isBlockedAddress reports whether ip belongs to one of the address
// classes the SSRF gate blocks by default: private, loopback, link-local,
// ULA, CGNAT, broadcast, or documentation, per spec item 8.
func isBlockedAddress(ip net.IP) bool {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if v4 := ip.To4(); v4 != nil && (cgnatBlock.Contains(v4) || v4.Equal(broadcastAddr)) {
		return true
	}
	for _, b := range docBlocks {
		if b.Contains(ip) {
			return true
		}
	}
	return false
}

// Gate enforces the GitLab SSRF policy against every self-hosted (i.e.
// non-gitlab.com) instance URL: resolve the host once, reject any
// resolved address in a blocked class unless an operator explicitly
// allow-listed it, and then pin every connection a derived client makes
// to exactly that resolved address set so a subsequent DNS answer can't
// redirect the connection elsewhere mid-session.
type Gate struct {
	allowedHosts map[string]bool
	allowedCIDRs []*net.IPNet
	caPool       *x509.CertPool
	resolver     *net.Resolver
}

// NewGate builds a Gate from the operator-configured exceptions. CIDRs
// wider than /16 are rejected unless allowBroadCIDRs is the literal
// "I_UNDERSTAND_THE_RISK" value, since a broad allow-listed range defeats
// most of the point of the gate.
func NewGate(allowedHosts, allowedCIDRs []string, caBundlePath, allowBroadCIDRs string) (*Gate, error) {
	g := &Gate{
		allowedHosts: make(map[string]bool, len(allowedHosts)),
		resolver:     net.DefaultResolver,
	}
	for _, h := range allowedHosts {
		g.allowedHosts[strings.ToLower(strings.TrimSpace(h))] = true
	}

	broad := allowBroadCIDRs == "I_UNDERSTAND_THE_RISK"
	for _, c := range allowedCIDRs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("gitlabclient: invalid allow-listed CIDR %q: %w", c, err)
		}
		ones, bits := n.Mask.Size()
		if !broad && bits-ones > 16 {
			return nil, fmt.Errorf("gitlabclient: CIDR %q is wider than /16; set --allow-broad-cidrs to permit it", c)
		}
		g.allowedCIDRs = append(g.allowedCIDRs, n)
	}

	if caBundlePath != "" {
		pem, err := os.ReadFile(caBundlePath)
		if err != nil {
			return nil, fmt.Errorf("gitlabclient: reading CA bundle: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("gitlabclient: no certificates found in CA bundle %s", caBundlePath)
		}
		g.caPool = pool
	}

	return g, nil
}

// allowed reports whether addr is exempt from the blocked-address classes,
// either because its host was explicitly allow-listed or because the
// address itself sits inside an allow-listed CIDR.
func (g *Gate) allowed(host string, addr net.IP) bool {
	if g.allowedHosts[strings.ToLower(host)] {
		return true
	}
	for _, n := range g.allowedCIDRs {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// resolveAndValidate resolves host and rejects the lookup if any returned
// address is blocked and not allow-listed. gitlab.com itself is exempt
// from resolution entirely, since it's the default SaaS host operators
// are expected to reach directly.
func (g *Gate) resolveAndValidate(ctx context.Context, host string) ([]net.IP, error) {
	if strings.EqualFold(host, "gitlab.com") {
		return nil, nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("gitlabclient: resolving %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, ciorrors.New(ciorrors.KindSSRFBlocked, fmt.Sprintf("host %s did not resolve to any address", host))
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if isBlockedAddress(a.IP) && !g.allowed(host, a.IP) {
			return nil, ciorrors.New(ciorrors.KindSSRFBlocked, fmt.Sprintf("host %s resolved to disallowed address %s", host, a.IP))
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// clientFor validates instanceURL's host and returns an *http.Client
// pinned to exactly the resolved address set, per spec item 8: redirects
// disabled, system proxy ignored, 30s connect / 60s total timeout, and
// (when gitLabCABundle is set) an additional trusted CA pool.
func (g *Gate) clientFor(ctx context.Context, instanceURL string) (*http.Client, error) {
	u, err := url.Parse(instanceURL)
	if err != nil {
		return nil, fmt.Errorf("gitlabclient: invalid instance url %q: %w", instanceURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("gitlabclient: instance url %q has no host", instanceURL)
	}

	pinned, err := g.resolveAndValidate(ctx, host)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	dial := dialer.DialContext
	if len(pinned) > 0 {
		dial = pinnedDialContext(dialer, pinned)
	}

	var tlsConfig *tls.Config
	if g.caPool != nil {
		tlsConfig = &tls.Config{RootCAs: g.caPool}
	}

	transport := &http.Transport{
		Proxy:                 nil, // system proxies are ignored, per spec item 8.
		DialContext:           dial,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   60 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// pinnedDialContext returns a DialContext that ignores whatever host the
// caller asks to dial and instead connects to one of the addresses
// resolved and validated at client-construction time, defeating a DNS
// answer that changes between validation and connection (DNS rebinding).
func pinnedDialContext(dialer *net.Dialer, pinned []net.IP) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			port = "443"
		}
		var lastErr error
		for _, ip := range pinned {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("gitlabclient: dialing pinned addresses: %w", lastErr)
	}
}
