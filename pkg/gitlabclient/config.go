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

// Package gitlabclient wraps the OAuth relationship with one or more
// GitLab instances (gitlab.com or self-hosted): exchanging and refreshing
// per-instance access tokens, and gating every outbound call through the
// SSRF policy in ssrf.go. A self-hosted instance's OAuth app client
// id/secret and its issued tokens are credential rows, not environment
// configuration.
package gitlabclient

import (
	"context"
	"fmt"

	"github.com/abcxyz/pkg/cli"
)

// Config is the non-secret SSRF-gate configuration. Per-instance OAuth
// client ids/secrets and issued tokens live in pkg/credentials, keyed by
// instance URL, since they're produced by the admin setup flow rather
// than set ahead of time by an operator.
type Config struct {
	// AllowedHosts exempts specific hostnames from the private-address
	// block entirely, e.g. a self-hosted instance that is intentionally
	// reachable only on a private network the server also lives on.
	AllowedHosts []string `env:"GITLAB_ALLOWED_HOSTS,delimiter=,"`

	// AllowedCIDRs exempts specific address ranges. Ranges wider than
	// /16 require AllowBroadCIDRs.
	AllowedCIDRs []string `env:"GITLAB_ALLOWED_CIDRS,delimiter=,"`

	// CABundle is an additional PEM CA bundle trusted for self-hosted
	// GitLab TLS, on top of the system trust store.
	CABundle string `env:"GITLAB_CA_BUNDLE"`

	// AllowBroadCIDRs must be the literal "I_UNDERSTAND_THE_RISK" to
	// permit an AllowedCIDRs entry wider than /16.
	AllowBroadCIDRs string `env:"GITLAB_ALLOW_BROAD_CIDRS"`
}

func (c *Config) Validate(ctx context.Context) error {
	return nil
}

// ToFlags registers the GitLab SSRF-gate flags.
func (c *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("GITLAB OPTIONS")

	f.StringSliceVar(&cli.StringSliceVar{
		Name:   "gitlab-allowed-hosts",
		Target: &c.AllowedHosts,
		EnvVar: "GITLAB_ALLOWED_HOSTS",
		Usage:  `Hostnames exempted from the GitLab SSRF gate's private-address block.`,
	})

	f.StringSliceVar(&cli.StringSliceVar{
		Name:   "gitlab-allowed-cidrs",
		Target: &c.AllowedCIDRs,
		EnvVar: "GITLAB_ALLOWED_CIDRS",
		Usage:  `CIDRs exempted from the GitLab SSRF gate's private-address block.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "gitlab-ca-bundle",
		Target: &c.CABundle,
		EnvVar: "GITLAB_CA_BUNDLE",
		Usage:  `Path to an additional CA bundle trusted for self-hosted GitLab TLS.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "gitlab-allow-broad-cidrs",
		Target: &c.AllowBroadCIDRs,
		EnvVar: "GITLAB_ALLOW_BROAD_CIDRS",
		Usage:  fmt.Sprintf(`Set to %s to permit wide allow-listed CIDRs in the GitLab SSRF gate.`, "I_UNDERSTAND_THE_RISK"),
	})

	return set
}
