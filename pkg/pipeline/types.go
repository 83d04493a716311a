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

// Package pipeline loads a repository's pipeline
// configuration from its workspace or from the store, parsing it into a
// provider-neutral model, and selecting the one workflow a build should
// run.
package pipeline

import "github.com/oore/oored/pkg/store"

// DefaultMaxBuildDurationMin is applied when a workflow omits the field.
const DefaultMaxBuildDurationMin = 60

// DefaultStepTimeoutSec is applied when a step omits its timeout.
const DefaultStepTimeoutSec = 900

// Event is the trigger-event vocabulary a workflow's triggering clause can
// name, distinct from store.TriggerType since a single Push trigger type
// always maps to the Push event but PullRequest/MergeRequest both map to
// the PullRequest event.
type Event string

const (
	EventPush        Event = "push"
	EventPullRequest Event = "pull_request"
	EventTag         Event = "tag"
)

// Pipeline is the parsed form of one codemagic.yaml-shaped document. The
// workflow order is preserved (not a plain map) so that "exactly one
// workflow exists" and similar rules never depend on Go's randomized map
// iteration.
type Pipeline struct {
	Workflows []*Workflow
}

// ByName returns the workflow with the given name, or nil.
func (p *Pipeline) ByName(name string) *Workflow {
	for _, w := range p.Workflows {
		if w.Name == name {
			return w
		}
	}
	return nil
}

// Workflow is one named build configuration within a Pipeline.
type Workflow struct {
	Name                 string
	MaxBuildDurationMin  int
	Environment          Environment
	Triggering           *Triggering
	Scripts              []Step
	Artifacts            []string
}

// Environment carries the workflow's static environment variables.
type Environment struct {
	Vars map[string]string
}

// Triggering restricts which (event, branch) combinations select a
// workflow. A nil *Triggering on a Workflow means "matches all events",
// in the selector's collection rule.
type Triggering struct {
	Events         []Event
	BranchPatterns BranchPatterns
}

// BranchPatterns are glob sets evaluated against the triggering branch.
type BranchPatterns struct {
	Include []string
	Exclude []string
}

// Step is one shell-script execution within a Workflow.
type Step struct {
	Name          string
	Script        string
	TimeoutSec    int
	IgnoreFailure bool
}

// ResolvedConfig is the output of Resolve: the parsed pipeline plus where
// it came from, so the Build row can record config_source.
type ResolvedConfig struct {
	Pipeline *Pipeline
	Source   store.ConfigSource
	// RawContent and Format are set for both sources, so callers that
	// need to re-validate or display the document don't have to
	// re-fetch it.
	RawContent string
	Format     store.ConfigFormat
}
