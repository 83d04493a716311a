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

package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/store"
)

func TestParseYAML_Basic(t *testing.T) {
	t.Parallel()

	const doc = `
workflows:
  default:
    scripts:
      - script: echo hello
`
	result, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Pipeline.Workflows) != 1 {
		t.Fatalf("expected 1 workflow, got %d", len(result.Pipeline.Workflows))
	}
	w := result.Pipeline.Workflows[0]
	if w.Name != "default" {
		t.Errorf("name = %q, want default", w.Name)
	}
	if w.MaxBuildDurationMin != DefaultMaxBuildDurationMin {
		t.Errorf("max duration = %d, want default %d", w.MaxBuildDurationMin, DefaultMaxBuildDurationMin)
	}
	if len(w.Scripts) != 1 || w.Scripts[0].Script != "echo hello" {
		t.Fatalf("scripts = %+v", w.Scripts)
	}
	if w.Scripts[0].TimeoutSec != DefaultStepTimeoutSec {
		t.Errorf("timeout = %d, want default %d", w.Scripts[0].TimeoutSec, DefaultStepTimeoutSec)
	}
}

func TestParseYAML_UnsupportedFieldsWarnNotFail(t *testing.T) {
	t.Parallel()

	const doc = `
workflows:
  default:
    scripts:
      - script: echo hi
    cache:
      cache_paths: [foo]
`
	result, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a warning about the unsupported \"cache\" field")
	}
}

func TestParseYAML_EmptyScriptsRejected(t *testing.T) {
	t.Parallel()

	const doc = `
workflows:
  default:
    scripts: []
`
	_, err := Parse(doc)
	if !ciorrors.Is(err, ciorrors.KindPipelineParseError) {
		t.Fatalf("expected PipelineParseError, got %v", err)
	}
}

func TestParseHUML_MatchesYAMLShape(t *testing.T) {
	t.Parallel()

	const doc = `%HUML
workflows:
  default:
    scripts:
      - script: echo hello
        timeout_sec: 120
`
	result, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if DetectFormat(doc) != store.ConfigFormatHUML {
		t.Errorf("DetectFormat = %v, want HUML", DetectFormat(doc))
	}
	w := result.Pipeline.ByName("default")
	if w == nil {
		t.Fatal("missing default workflow")
	}
	if len(w.Scripts) != 1 || w.Scripts[0].Script != "echo hello" || w.Scripts[0].TimeoutSec != 120 {
		t.Fatalf("scripts = %+v", w.Scripts)
	}
}

// TestSelect_Deterministic covers the property that the same
// (pipeline, trigger, branch) always yields the same result, run many
// times to catch any accidental dependence on map iteration order.
func TestSelect_Deterministic(t *testing.T) {
	t.Parallel()

	p := &Pipeline{Workflows: []*Workflow{
		{Name: "ios", Scripts: []Step{{Script: "echo ios"}}, Triggering: &Triggering{
			Events:         []Event{EventPush},
			BranchPatterns: BranchPatterns{Include: []string{"release/*"}},
		}},
		{Name: "android", Scripts: []Step{{Script: "echo android"}}, Triggering: &Triggering{
			Events:         []Event{EventPush},
			BranchPatterns: BranchPatterns{Include: []string{"main"}},
		}},
	}}

	for i := 0; i < 50; i++ {
		w, err := Select(context.Background(), p, store.TriggerPush, "release/1.0")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if w.Name != "ios" {
			t.Fatalf("iteration %d: got %q, want ios", i, w.Name)
		}
	}
}

// TestSelect_Ambiguous covers scenario S6: two workflows both matching
// the push event with no branch patterns is an error listing both names,
// sorted.
func TestSelect_Ambiguous(t *testing.T) {
	t.Parallel()

	p := &Pipeline{Workflows: []*Workflow{
		{Name: "zeta", Scripts: []Step{{Script: "echo 1"}}, Triggering: &Triggering{Events: []Event{EventPush}}},
		{Name: "alpha", Scripts: []Step{{Script: "echo 2"}}, Triggering: &Triggering{Events: []Event{EventPush}}},
	}}

	_, err := Select(context.Background(), p, store.TriggerPush, "main")
	if !ciorrors.Is(err, ciorrors.KindNoMatchingWorkflow) {
		t.Fatalf("expected NoMatchingWorkflow, got %v", err)
	}
	if !strings.Contains(err.Error(), "alpha, zeta") {
		t.Errorf("error message %q should list candidates sorted", err.Error())
	}
}

func TestSelect_Manual(t *testing.T) {
	t.Parallel()

	p := &Pipeline{Workflows: []*Workflow{
		{Name: "default", Scripts: []Step{{Script: "echo hi"}}},
	}}
	w, err := Select(context.Background(), p, store.TriggerManual, "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if w.Name != "default" {
		t.Fatalf("got %q, want default", w.Name)
	}
}

func TestSelect_ExcludeOverridesInclude(t *testing.T) {
	t.Parallel()

	p := &Pipeline{Workflows: []*Workflow{
		{Name: "only", Scripts: []Step{{Script: "echo hi"}}, Triggering: &Triggering{
			Events: []Event{EventPush},
			BranchPatterns: BranchPatterns{
				Include: []string{"**"},
				Exclude: []string{"main"},
			},
		}},
	}}
	_, err := Select(context.Background(), p, store.TriggerPush, "main")
	if !ciorrors.Is(err, ciorrors.KindNoMatchingWorkflow) {
		t.Fatalf("expected NoMatchingWorkflow on excluded branch, got %v", err)
	}
}
