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

package githubclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/abcxyz/pkg/cli"
)

// Config is the non-secret GitHub App configuration. The App's private
// key, webhook secret, and OAuth client secret are credential rows
// (pkg/credentials), not environment configuration, since the manifest
// flow (the admin setup UI) produces them rather than an operator setting
// them ahead of time.
type Config struct {
	// AppID is the GitHub App ID. Empty means no App has been installed
	// yet.
	AppID string `env:"GITHUB_APP_ID"`

	// EnterpriseServerURL is the GitHub Enterprise Server instance URL,
	// e.g. "https://github.example.com". Empty means github.com.
	EnterpriseServerURL string `env:"GITHUB_ENTERPRISE_SERVER_URL"`
}

// Validate does sanity checking on the configuration. AppID is
// intentionally not required here: it is legitimately empty until the
// manifest flow completes.
func (c *Config) Validate(ctx context.Context) error {
	if c.EnterpriseServerURL != "" && !strings.HasPrefix(c.EnterpriseServerURL, "https://") {
		return fmt.Errorf(`GITHUB_ENTERPRISE_SERVER_URL does not start with "https://"`)
	}
	return nil
}

// ToFlags registers the GitHub flags.
func (c *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("GITHUB OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "github-app-id",
		Target: &c.AppID,
		EnvVar: "GITHUB_APP_ID",
		Usage:  `The installed GitHub App ID, once configured via the setup flow.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-enterprise-server-url",
		Target: &c.EnterpriseServerURL,
		EnvVar: "GITHUB_ENTERPRISE_SERVER_URL",
		Usage:  `The GitHub Enterprise Server instance URL, format "https://[hostname]".`,
	})

	return set
}
