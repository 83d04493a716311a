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

package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/serving"

	"github.com/oore/oored/pkg/adminapi"
	"github.com/oore/oored/pkg/adminauth"
	"github.com/oore/oored/pkg/buildproc"
	"github.com/oore/oored/pkg/config"
	"github.com/oore/oored/pkg/credentials"
	"github.com/oore/oored/pkg/crypto"
	"github.com/oore/oored/pkg/executor"
	"github.com/oore/oored/pkg/githubclient"
	"github.com/oore/oored/pkg/gitlabclient"
	"github.com/oore/oored/pkg/oauthstate"
	"github.com/oore/oored/pkg/pipeline"
	"github.com/oore/oored/pkg/requestid"
	"github.com/oore/oored/pkg/store"
	"github.com/oore/oored/pkg/version"
	"github.com/oore/oored/pkg/webhook"
	"github.com/oore/oored/pkg/webhookprocessor"
)

var _ cli.Command = (*ServerCommand)(nil)

// ServerCommand runs the single oored process: webhook ingress, the build
// processor, and the admin/setup API all share one HTTP listener, since
// nothing in this deployment's scale calls for splitting them the way the
// teacher splits webhook/retry/artifact into separate Cloud Run services.
type ServerCommand struct {
	cli.BaseCommand

	cfg *config.Config

	testFlagSetOpts []cli.Option

	// closers is populated by RunUnstarted so Run can release them after
	// the server stops; tests that only call RunUnstarted are responsible
	// for calling Close themselves.
	closers []func() error
}

func (c *ServerCommand) Desc() string {
	return `Start the oored server (webhook ingress, build processor, admin API)`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Start the oored server. This runs until it receives SIGINT/SIGTERM, at
  which point in-flight builds are given a chance to observe cancellation
  before the process exits.
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &config.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}
	defer c.Close()

	return server.StartHTTPHandler(ctx, mux) //nolint:wrapcheck
}

// Close releases every resource RunUnstarted opened, in reverse order.
func (c *ServerCommand) Close() error {
	var err error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if cerr := c.closers[i](); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.closers = nil
	return err
}

// RunUnstarted parses flags, wires every domain package together, and
// returns the combined mux, keeping flag-parsing/wiring separate from
// the blocking HTTP serve call so tests can drive the mux directly.
func (c *ServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.DebugContext(ctx, "loaded configuration", "port", c.cfg.Port, "database_path", c.cfg.DatabasePath)

	db, err := store.Open(ctx, c.cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	c.closers = append(c.closers, db.Close)

	var cipher *crypto.Cipher
	if c.cfg.EncryptionKey != "" {
		key, err := crypto.LoadKey(c.cfg.EncryptionKey)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
		}
		cipher, err = crypto.NewCipher(key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to construct cipher: %w", err)
		}
	}
	creds := credentials.New(db.Credentials(), cipher)

	guard, err := adminauth.New(c.cfg.AdminToken, c.cfg.TrustedProxyCIDRs, c.cfg.DevMode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to construct admin guard: %w", err)
	}

	states := oauthstate.New(db.OAuthStates())

	githubCfg := &githubclient.Config{
		AppID:               c.cfg.GitHubAppID,
		EnterpriseServerURL: c.cfg.GitHubEnterpriseServerURL,
	}

	gitlabCfg := &gitlabclient.Config{
		AllowedHosts:    c.cfg.GitLabAllowedHosts,
		AllowedCIDRs:    c.cfg.GitLabAllowedCIDRs,
		CABundle:        c.cfg.GitLabCABundle,
		AllowBroadCIDRs: c.cfg.AllowBroadCIDRs,
	}
	gitlabClient, err := gitlabclient.New(gitlabCfg, creds)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to construct gitlab client: %w", err)
	}

	// webhookQueue carries raw delivery ids from ingress to the
	// processor; buildQueue carries resolved build ids from the
	// processor (and from startup recovery) to the scheduler. Both are
	// bounded: a full webhookQueue surfaces as a 503,
	// while a full buildQueue simply backs up Process's blocking send.
	webhookQueue := make(chan string, c.cfg.WebhookQueueCapacity)
	buildQueue := make(chan string, c.cfg.BuildQueueCapacity)

	webhookServer, err := webhook.NewServer(ctx, &webhook.Options{
		Credentials: creds,
		Repos:       db.Repositories(),
		Events:      db.WebhookEvents(),
		Queue:       webhookQueue,
		Pepper:      c.cfg.WebhookSecretPepper,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create webhook server: %w", err)
	}

	processor, err := webhookprocessor.New(&webhookprocessor.Options{
		Events:     db.WebhookEvents(),
		Repos:      db.Repositories(),
		Builds:     db.Builds(),
		BuildQueue: buildQueue,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create webhook processor: %w", err)
	}

	resolver := pipeline.NewResolver(db.PipelineConfigs())
	shellExecutor := executor.NewShellExecutor(c.cfg.MaxStepDurationSecs, int64(c.cfg.MaxLogBytes))

	// A GitHub repository clones unauthenticated if no App has been
	// installed yet (or the App's credentials fail to construct a
	// client); it starts cloning with installation tokens as soon as the
	// manifest flow completes and the process is restarted.
	var githubResolver buildproc.CredentialResolver
	if c.cfg.GitHubAppID != "" {
		githubClient, err := githubclient.New(ctx, githubCfg, creds)
		if err != nil {
			logger.WarnContext(ctx, "github app configured but client construction failed; clones for github repositories will be unauthenticated", "error", err)
		} else {
			githubResolver = githubClient
		}
	}

	scheduler, err := buildproc.New(&buildproc.Options{
		Builds:               db.Builds(),
		Steps:                db.BuildSteps(),
		Logs:                 db.BuildLogs(),
		Artifacts:            db.BuildArtifacts(),
		Repos:                db.Repositories(),
		Resolver:             resolver,
		Executor:             shellExecutor,
		GitHub:               githubResolver,
		GitLab:               gitlabClient,
		WorkspacesDir:        c.cfg.WorkspacesDir,
		LogsDir:              c.cfg.LogsDir,
		ArtifactsDir:         c.cfg.ArtifactsDir,
		MaxConcurrentBuilds:  c.cfg.MaxConcurrentBuilds,
		MaxBuildDurationSecs: c.cfg.MaxBuildDurationSecs,
		MaxStepDurationSecs:  c.cfg.MaxStepDurationSecs,
		Queue:                buildQueue,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create build scheduler: %w", err)
	}

	adminServer, err := adminapi.New(&adminapi.Options{
		Repos:        db.Repositories(),
		Builds:       db.Builds(),
		Steps:        db.BuildSteps(),
		Logs:         db.BuildLogs(),
		Artifacts:    db.BuildArtifacts(),
		Credentials:  creds,
		States:       states,
		Scheduler:    scheduler,
		GitHubConfig: githubCfg,
		GitLab:       gitlabClient,
		Guard:        guard,
		BaseURL:      c.cfg.BaseURL,
		LogsDir:      c.cfg.LogsDir,
		ArtifactsDir: c.cfg.ArtifactsDir,
		Pepper:       c.cfg.WebhookSecretPepper,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create admin api: %w", err)
	}

	if err := scheduler.Recover(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to recover in-flight builds: %w", err)
	}
	// Deliveries left unprocessed by a previous run (ingress queue
	// saturated, or a crash mid-process) are re-dispatched to the
	// processor once it is running.
	unprocessed, err := db.WebhookEvents().ListUnprocessed(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list unprocessed webhook events: %w", err)
	}
	go processor.Run(ctx, webhookQueue)
	go scheduler.Run(ctx)
	go func() {
		for _, event := range unprocessed {
			select {
			case webhookQueue <- event.ID:
			case <-ctx.Done():
				return
			}
		}
	}()

	// webhookServer and adminServer each build their own internal mux
	// (they're also used standalone in tests), so the outer mux is
	// registered at their known, non-overlapping concrete paths rather
	// than a single "/" catch-all: "/api/webhooks/..." is more specific
	// than adminServer's "/api/" prefix and so takes precedence under
	// net/http's longest-match rule regardless of registration order.
	webhookRoutes := webhookServer.Routes(ctx)
	adminRoutes := adminServer.Routes(ctx)

	mux := http.NewServeMux()
	mux.Handle("/healthz", webhookRoutes)
	mux.Handle("/version", webhookRoutes)
	mux.Handle("/api/webhooks/github", webhookRoutes)
	mux.Handle("/api/webhooks/gitlab/", webhookRoutes)
	mux.Handle("/api/", adminRoutes)
	mux.Handle("/setup/", adminRoutes)

	server, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return server, requestid.Middleware(mux), nil
}
