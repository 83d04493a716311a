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

// Package buildproc implements startup recovery, a bounded-concurrency
// build scheduler, and the per-build execution sequence that ties together
// pkg/pipeline and pkg/executor. Per-build cancellation is tracked in a
// plain mutex-guarded `map[string]context.CancelFunc`: a build's context
// is the idiomatic Go handle for "the thing a canceller tells to stop."
package buildproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/executor"
	"github.com/oore/oored/pkg/pipeline"
	"github.com/oore/oored/pkg/store"
)

// CredentialResolver fetches a short-lived clone token for a repository.
// githubclient.Client and gitlabclient.Client each satisfy this with a
// TokenForRepository method.
type CredentialResolver interface {
	TokenForRepository(ctx context.Context, repo *store.Repository) (string, error)
}

// Scheduler runs builds with bounded concurrency.
type Scheduler struct {
	builds    store.Builds
	steps     store.BuildSteps
	logs      store.BuildLogs
	artifacts store.BuildArtifacts
	repos     store.Repositories

	resolver *pipeline.Resolver
	exec     executor.Executor

	github CredentialResolver
	gitlab CredentialResolver

	workspacesDir string
	logsDir       string
	artifactsDir  string

	maxBuildDuration time.Duration
	maxStepDuration  time.Duration

	queue chan string
	sem   chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// Options bundles Scheduler's dependencies.
type Options struct {
	Builds    store.Builds
	Steps     store.BuildSteps
	Logs      store.BuildLogs
	Artifacts store.BuildArtifacts
	Repos     store.Repositories

	Resolver *pipeline.Resolver
	Executor executor.Executor

	// GitHub and GitLab are consulted by repository provider; either may
	// be nil, in which case that provider's repositories always clone
	// unauthenticated.
	GitHub CredentialResolver
	GitLab CredentialResolver

	WorkspacesDir string
	LogsDir       string
	ArtifactsDir  string

	MaxConcurrentBuilds  int
	MaxBuildDurationSecs int
	MaxStepDurationSecs  int

	// Queue is the shared build channel: webhookprocessor sends build ids
	// onto it (as a chan<- string view from Scheduler.SendQueue), and the
	// scheduler both receives from it in steady state and re-sends onto
	// it during startup recovery.
	Queue chan string
}

func New(opts *Options) (*Scheduler, error) {
	if opts.Builds == nil || opts.Steps == nil || opts.Logs == nil || opts.Artifacts == nil || opts.Repos == nil {
		return nil, fmt.Errorf("buildproc: Builds, Steps, Logs, Artifacts, and Repos are all required")
	}
	if opts.Resolver == nil || opts.Executor == nil {
		return nil, fmt.Errorf("buildproc: Resolver and Executor are required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("buildproc: Queue is required")
	}
	if opts.MaxConcurrentBuilds <= 0 {
		return nil, fmt.Errorf("buildproc: MaxConcurrentBuilds must be > 0")
	}
	return &Scheduler{
		builds:           opts.Builds,
		steps:            opts.Steps,
		logs:             opts.Logs,
		artifacts:        opts.Artifacts,
		repos:            opts.Repos,
		resolver:         opts.Resolver,
		exec:             opts.Executor,
		github:           opts.GitHub,
		gitlab:           opts.GitLab,
		workspacesDir:    opts.WorkspacesDir,
		logsDir:          opts.LogsDir,
		artifactsDir:     opts.ArtifactsDir,
		maxBuildDuration: time.Duration(opts.MaxBuildDurationSecs) * time.Second,
		maxStepDuration:  time.Duration(opts.MaxStepDurationSecs) * time.Second,
		queue:            opts.Queue,
		sem:              make(chan struct{}, opts.MaxConcurrentBuilds),
		cancels:          make(map[string]context.CancelFunc),
	}, nil
}

// SendQueue returns the send-only view of the shared build channel, for
// handing to pkg/webhookprocessor.
func (s *Scheduler) SendQueue() chan<- string { return s.queue }

// Recover implements startup recovery: any build left Running when
// the process last exited is failed outright (its step subprocess is long
// gone), and every build still Pending is re-enqueued.
func (s *Scheduler) Recover(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	running, err := s.builds.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("buildproc: listing running builds: %w", err)
	}
	now := time.Now().UTC()
	for _, b := range running {
		msg := "Build interrupted by server restart"
		if err := s.builds.SetTerminal(ctx, b.ID, store.BuildFailure, now, &msg); err != nil {
			logger.ErrorContext(ctx, "failed to fail interrupted build", "build_id", b.ID, "error", err)
		}
	}

	pending, err := s.builds.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("buildproc: listing pending builds: %w", err)
	}
	for _, b := range pending {
		select {
		case s.queue <- b.ID:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.InfoContext(ctx, "startup recovery complete", "failed_running", len(running), "requeued_pending", len(pending))
	return nil
}

// Run drains the build queue until ctx is cancelled, dispatching each
// build to its own goroutine once a semaphore permit is available. Run
// blocks until every in-flight build has finished before returning.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case buildID, ok := <-s.queue:
			if !ok {
				return
			}
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				s.executeBuild(ctx, buildID)
			}()
		}
	}
}

// Cancel implements the cancel-request half of the build cancellation model:
// it flips the DB row to Cancelled and, if the build is currently
// in-flight, cancels its context so the executor observes it at the next
// checkpoint.
func (s *Scheduler) Cancel(ctx context.Context, buildID string) error {
	now := time.Now().UTC()
	msg := "Build cancelled by request"
	if err := s.builds.SetTerminal(ctx, buildID, store.BuildCancelled, now, &msg); err != nil {
		return err
	}
	s.mu.Lock()
	cancel, ok := s.cancels[buildID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (s *Scheduler) registerCancel(buildID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[buildID] = cancel
}

func (s *Scheduler) unregisterCancel(buildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, buildID)
}
