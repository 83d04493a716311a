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

// Package executor clones a repository at a specific commit, runs a
// sequence of shell steps with captured, capped, line-oriented logs, and
// cleans up the workspace afterward.
//
// Cancellation and timeout are threaded through as plain context.Context
// deadlines/cancellation rather than a cancel-token value passed around
// explicitly: the scheduler's own bookkeeping map is an implementation
// convenience, and a context is the idiomatic Go handle for this.
package executor

import (
	"context"
)

// StepResult is the outcome of one ExecuteStep call.
type StepResult struct {
	ExitCode    int
	StdoutPath  string
	StderrPath  string
	StdoutLines int
	StderrLines int
}

// StepOptions bundles ExecuteStep's parameters: workspace, script, env,
// timeout, log directory, and step index.
type StepOptions struct {
	WorkspaceDir string
	Script       string
	Env          map[string]string
	TimeoutSec   int
	LogDir       string
	StepIndex    int

	// The following are injected into the child's environment as
	// OORE_BUILD_ID etc.
	BuildID      string
	CommitSHA    string
	Branch       string
	RepositoryID string
}

// Executor is the capability the scheduler (pkg/buildproc) depends on.
// Modeling it as an interface lets an alternative backend (e.g. a
// containerized executor) drop in without touching the scheduler.
type Executor interface {
	CloneRepo(ctx context.Context, cloneURL, commitSHA, workspaceDir, authToken string) error
	ExecuteStep(ctx context.Context, opts StepOptions) (*StepResult, error)
	Cleanup(workspaceDir string) error
}
