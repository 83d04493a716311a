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

// Package config defines the environment-sourced configuration shared by
// every server command, following the same cfgloader/envconfig/ToFlags
// pattern used throughout this repository's server commands.
package config

import (
	"context"
	"fmt"

	"github.com/abcxyz/pkg/cfgloader"
	"github.com/abcxyz/pkg/cli"
	"github.com/sethvargo/go-envconfig"
)

// Config is the full set of environment variables understood by the
// oored server binary.
type Config struct {
	Port string `env:"PORT,default=8080"`

	// DatabasePath is the SQLite file backing pkg/store.
	DatabasePath string `env:"DATABASE_PATH,default=/var/lib/oored/oored.db"`

	// EncryptionKey decodes (base64 or hex) to the 32-byte root AEAD key.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// WebhookSecretPepper is the server-wide pepper MAC'd with each
	// GitLab per-repository token to produce the stored fingerprint.
	WebhookSecretPepper string `env:"GITLAB_SERVER_PEPPER"`

	// AdminToken is the bearer token admin routes require. Absent means
	// admin routes answer 503 SETUP_DISABLED.
	AdminToken string `env:"OORE_ADMIN_TOKEN"`

	// DevMode disables the HTTPS enforcement and trusts loopback peers
	// without a trusted-proxy CIDR configured.
	DevMode bool `env:"OORE_DEV_MODE,default=false"`

	// TrustedProxyCIDRs is a comma-separated list of CIDRs allowed to
	// set X-Forwarded-For/X-Forwarded-Proto.
	TrustedProxyCIDRs []string `env:"OORE_TRUSTED_PROXIES,delimiter=,"`

	WebhookQueueCapacity int `env:"WEBHOOK_QUEUE_CAPACITY,default=128"`
	BuildQueueCapacity   int `env:"BUILD_QUEUE_CAPACITY,default=100"`

	MaxConcurrentBuilds     int `env:"OORE_MAX_CONCURRENT_BUILDS,default=2"`
	MaxBuildDurationSecs    int `env:"OORE_MAX_BUILD_DURATION_SECS,default=3600"`
	MaxStepDurationSecs     int `env:"OORE_MAX_STEP_DURATION_SECS,default=1800"`
	MaxLogBytes             int `env:"OORE_MAX_LOG_SIZE_BYTES,default=52428800"`
	WorkspaceRetentionHours int `env:"OORE_WORKSPACE_RETENTION_HOURS,default=24"`

	WorkspacesDir string `env:"OORE_WORKSPACES_DIR,default=/var/lib/oored/workspaces"`
	LogsDir       string `env:"OORE_LOGS_DIR,default=/var/lib/oored/logs"`
	ArtifactsDir  string `env:"OORE_ARTIFACTS_DIR,default=/var/lib/oored/artifacts"`

	// GitHubAppID and the GitLab SSRF-gate knobs are small non-secret
	// config; the credentials themselves live encrypted in pkg/store.
	GitHubAppID               string   `env:"GITHUB_APP_ID"`
	GitHubEnterpriseServerURL string   `env:"GITHUB_ENTERPRISE_SERVER_URL"`
	GitLabAllowedHosts        []string `env:"OORE_GITLAB_ALLOWED_HOSTS,delimiter=,"`
	GitLabAllowedCIDRs        []string `env:"OORE_GITLAB_ALLOWED_CIDRS,delimiter=,"`
	GitLabCABundle            string   `env:"OORE_GITLAB_CA_BUNDLE"`
	AllowBroadCIDRs           string   `env:"OORE_ALLOW_BROAD_CIDRS"`

	BaseURL string `env:"OORE_BASE_URL,default=http://localhost:8080"`
}

// Validate validates the config after load, checking each required
// field.
func (cfg *Config) Validate() error {
	if cfg.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if cfg.MaxConcurrentBuilds <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_BUILDS must be greater than 0")
	}
	if cfg.WebhookQueueCapacity <= 0 {
		return fmt.Errorf("WEBHOOK_QUEUE_CAPACITY must be greater than 0")
	}
	if cfg.BuildQueueCapacity <= 0 {
		return fmt.Errorf("BUILD_QUEUE_CAPACITY must be greater than 0")
	}
	return nil
}

// NewConfig loads Config from the OS environment.
func NewConfig(ctx context.Context) (*Config, error) {
	return newConfig(ctx, envconfig.OsLookuper())
}

func newConfig(ctx context.Context, lu envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(lu)); err != nil {
		return nil, fmt.Errorf("failed to parse server config: %w", err)
	}
	return &cfg, nil
}

// ToFlags binds the config to the given [cli.FlagSet].
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("SERVER OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `The port the server listens on.`,
	})
	f.StringVar(&cli.StringVar{
		Name:   "database-path",
		Target: &cfg.DatabasePath,
		EnvVar: "DATABASE_PATH",
		Usage:  `Path to the SQLite database file.`,
	})
	f.StringVar(&cli.StringVar{
		Name:   "encryption-key",
		Target: &cfg.EncryptionKey,
		EnvVar: "ENCRYPTION_KEY",
		Usage:  `Base64 or hex encoded 32-byte root encryption key.`,
	})
	f.StringVar(&cli.StringVar{
		Name:   "webhook-secret-pepper",
		Target: &cfg.WebhookSecretPepper,
		EnvVar: "GITLAB_SERVER_PEPPER",
		Usage:  `Server-wide pepper for GitLab webhook token fingerprints.`,
	})
	f.StringVar(&cli.StringVar{
		Name:   "admin-token",
		Target: &cfg.AdminToken,
		EnvVar: "OORE_ADMIN_TOKEN",
		Usage:  `Bearer token required on the admin API surface.`,
	})
	f.BoolVar(&cli.BoolVar{
		Name:   "dev-mode",
		Target: &cfg.DevMode,
		EnvVar: "OORE_DEV_MODE",
		Usage:  `Disable HTTPS enforcement for local development.`,
	})
	f.StringSliceVar(&cli.StringSliceVar{
		Name:   "trusted-proxies",
		Target: &cfg.TrustedProxyCIDRs,
		EnvVar: "OORE_TRUSTED_PROXIES",
		Usage:  `CIDRs allowed to set X-Forwarded-For/-Proto.`,
	})
	f.IntVar(&cli.IntVar{
		Name:    "webhook-queue-capacity",
		Target:  &cfg.WebhookQueueCapacity,
		EnvVar:  "WEBHOOK_QUEUE_CAPACITY",
		Default: 128,
		Usage:   `Capacity of the in-process webhook queue.`,
	})
	f.IntVar(&cli.IntVar{
		Name:    "build-queue-capacity",
		Target:  &cfg.BuildQueueCapacity,
		EnvVar:  "BUILD_QUEUE_CAPACITY",
		Default: 100,
		Usage:   `Capacity of the in-process build queue.`,
	})
	f.IntVar(&cli.IntVar{
		Name:    "max-concurrent-builds",
		Target:  &cfg.MaxConcurrentBuilds,
		EnvVar:  "OORE_MAX_CONCURRENT_BUILDS",
		Default: 2,
		Usage:   `Maximum number of builds running at once.`,
	})
	f.IntVar(&cli.IntVar{
		Name:    "max-build-duration-secs",
		Target:  &cfg.MaxBuildDurationSecs,
		EnvVar:  "OORE_MAX_BUILD_DURATION_SECS",
		Default: 3600,
		Usage:   `Maximum build duration in seconds.`,
	})
	f.IntVar(&cli.IntVar{
		Name:    "max-step-duration-secs",
		Target:  &cfg.MaxStepDurationSecs,
		EnvVar:  "OORE_MAX_STEP_DURATION_SECS",
		Default: 1800,
		Usage:   `Maximum per-step duration in seconds; step timeouts are clamped to this.`,
	})
	f.IntVar(&cli.IntVar{
		Name:    "max-log-size-bytes",
		Target:  &cfg.MaxLogBytes,
		EnvVar:  "OORE_MAX_LOG_SIZE_BYTES",
		Default: 50 * 1024 * 1024,
		Usage:   `Maximum bytes retained per step log stream.`,
	})
	f.IntVar(&cli.IntVar{
		Name:    "workspace-retention-hours",
		Target:  &cfg.WorkspaceRetentionHours,
		EnvVar:  "OORE_WORKSPACE_RETENTION_HOURS",
		Default: 24,
		Usage:   `Hours a build workspace is retained before reclamation.`,
	})
	f.StringVar(&cli.StringVar{
		Name:   "workspaces-dir",
		Target: &cfg.WorkspacesDir,
		EnvVar: "OORE_WORKSPACES_DIR",
		Usage:  `Root directory for build workspaces.`,
	})
	f.StringVar(&cli.StringVar{
		Name:   "logs-dir",
		Target: &cfg.LogsDir,
		EnvVar: "OORE_LOGS_DIR",
		Usage:  `Root directory for build step logs.`,
	})
	f.StringVar(&cli.StringVar{
		Name:   "artifacts-dir",
		Target: &cfg.ArtifactsDir,
		EnvVar: "OORE_ARTIFACTS_DIR",
		Usage:  `Root directory for harvested build artifacts.`,
	})
	f.StringVar(&cli.StringVar{
		Name:   "github-app-id",
		Target: &cfg.GitHubAppID,
		EnvVar: "GITHUB_APP_ID",
		Usage:  `Non-secret GitHub App ID, once configured via setup flow.`,
	})
	f.StringVar(&cli.StringVar{
		Name:   "github-enterprise-server-url",
		Target: &cfg.GitHubEnterpriseServerURL,
		EnvVar: "GITHUB_ENTERPRISE_SERVER_URL",
		Usage:  `GitHub Enterprise Server instance URL, format "https://[hostname]".`,
	})
	f.StringSliceVar(&cli.StringSliceVar{
		Name:   "gitlab-allowed-hosts",
		Target: &cfg.GitLabAllowedHosts,
		EnvVar: "OORE_GITLAB_ALLOWED_HOSTS",
		Usage:  `Hostnames exempted from the GitLab SSRF gate's private-address block.`,
	})
	f.StringSliceVar(&cli.StringSliceVar{
		Name:   "gitlab-allowed-cidrs",
		Target: &cfg.GitLabAllowedCIDRs,
		EnvVar: "OORE_GITLAB_ALLOWED_CIDRS",
		Usage:  `CIDRs exempted from the GitLab SSRF gate's private-address block. Ranges wider than /16 require --allow-broad-cidrs (OORE_ALLOW_BROAD_CIDRS) set to I_UNDERSTAND_THE_RISK.`,
	})
	f.StringVar(&cli.StringVar{
		Name:   "gitlab-ca-bundle",
		Target: &cfg.GitLabCABundle,
		EnvVar: "OORE_GITLAB_CA_BUNDLE",
		Usage:  `Path to an additional CA bundle trusted for self-hosted GitLab TLS.`,
	})
	f.StringVar(&cli.StringVar{
		Name:   "allow-broad-cidrs",
		Target: &cfg.AllowBroadCIDRs,
		EnvVar: "OORE_ALLOW_BROAD_CIDRS",
		Usage:  `Set to I_UNDERSTAND_THE_RISK to permit wide allow-listed CIDRs in the GitLab SSRF gate.`,
	})
	f.StringVar(&cli.StringVar{
		Name:    "base-url",
		Target:  &cfg.BaseURL,
		EnvVar:  "OORE_BASE_URL",
		Default: "http://localhost:8080",
		Usage:   `Externally reachable base URL, used to build webhook URLs.`,
	})

	return set
}
