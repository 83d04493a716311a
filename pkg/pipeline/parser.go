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
	"fmt"
	"strings"

	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/store"
	"gopkg.in/yaml.v3"
)

// humlMarker is the literal first-bytes sniff that distinguishes a HUML
// document from YAML.
const humlMarker = "%HUML"

// unsupportedFields are upstream-schema fields this server doesn't
// implement. Their presence is logged as a warning, never a parse
// failure.
var unsupportedFields = map[string]bool{
	"cache": true, "publishing": true, "groups": true,
	"instance_type": true, "integrations": true, "labels": true,
	"working_directory": true, "definitions": true, "includes": true,
}

// ParseResult carries the parsed Pipeline plus any non-fatal warnings
// about unsupported fields the caller should log.
type ParseResult struct {
	Pipeline *Pipeline
	Warnings []string
}

// Parse auto-detects the document format from its first non-whitespace
// bytes and parses it into the shared Pipeline model. A leading "%HUML"
// marker selects the HUML reader; anything else is parsed as YAML.
func Parse(content string) (*ParseResult, error) {
	if looksLikeHUML(content) {
		return parseHUML(content)
	}
	return parseYAML(content)
}

// DetectFormat reports which format Parse would choose for content,
// without parsing it.
func DetectFormat(content string) store.ConfigFormat {
	if looksLikeHUML(content) {
		return store.ConfigFormatHUML
	}
	return store.ConfigFormatYAML
}

func looksLikeHUML(content string) bool {
	return strings.HasPrefix(strings.TrimLeft(content, " \t\r\n"), humlMarker)
}

// rawWorkflow mirrors the upstream schema's per-workflow shape loosely
// enough that yaml.v3's default (non-strict) struct decode silently
// ignores fields this server doesn't support; the separate key scan
// below is what actually surfaces those as warnings.
type rawWorkflow struct {
	Name                string            `yaml:"name"`
	MaxBuildDurationMin int               `yaml:"max_build_duration_min"`
	Environment         rawEnvironment    `yaml:"environment"`
	Triggering          *rawTriggering    `yaml:"triggering"`
	Scripts             []rawStep         `yaml:"scripts"`
	Artifacts           []string          `yaml:"artifacts"`
}

type rawEnvironment struct {
	Vars map[string]string `yaml:"vars"`
}

type rawTriggering struct {
	Events         []string       `yaml:"events"`
	BranchPatterns rawBranchPats  `yaml:"branch_patterns"`
}

type rawBranchPats struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

type rawStep struct {
	Name          string `yaml:"name"`
	Script        string `yaml:"script"`
	TimeoutSec    *int   `yaml:"timeout_sec"`
	IgnoreFailure bool   `yaml:"ignore_failure"`
}

func parseYAML(content string) (*ParseResult, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindPipelineParseError, "invalid YAML: "+err.Error(), err)
	}
	if len(doc.Content) == 0 {
		return nil, ciorrors.New(ciorrors.KindPipelineParseError, "empty pipeline document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, ciorrors.New(ciorrors.KindPipelineParseError, "pipeline document must be a mapping")
	}

	var warnings []string
	var workflowsNode *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		if key == "workflows" {
			workflowsNode = root.Content[i+1]
			continue
		}
		if unsupportedFields[key] {
			warnings = append(warnings, fmt.Sprintf("ignoring unsupported top-level field %q", key))
		}
	}
	if workflowsNode == nil || workflowsNode.Kind != yaml.MappingNode {
		return nil, ciorrors.New(ciorrors.KindPipelineParseError, "pipeline document must declare a non-empty \"workflows\" mapping")
	}

	p := &Pipeline{}
	var violations []string
	for i := 0; i+1 < len(workflowsNode.Content); i += 2 {
		nameNode := workflowsNode.Content[i]
		valueNode := workflowsNode.Content[i+1]
		name := nameNode.Value

		var rw rawWorkflow
		if err := valueNode.Decode(&rw); err != nil {
			violations = append(violations, fmt.Sprintf("workflow %q: %v", name, err))
			continue
		}
		if valueNode.Kind == yaml.MappingNode {
			for j := 0; j+1 < len(valueNode.Content); j += 2 {
				k := valueNode.Content[j].Value
				if unsupportedFields[k] {
					warnings = append(warnings, fmt.Sprintf("workflow %q: ignoring unsupported field %q", name, k))
				}
			}
		}

		w, errs := rw.toWorkflow(name)
		violations = append(violations, errs...)
		p.Workflows = append(p.Workflows, w)
	}

	if len(violations) > 0 {
		return nil, ciorrors.New(ciorrors.KindPipelineParseError, strings.Join(violations, "; "))
	}
	return &ParseResult{Pipeline: p, Warnings: warnings}, nil
}

// toWorkflow applies field defaults and validation rules
// (max_build_duration_min default 60 and >0; timeout_sec default
// 900; scripts non-empty with non-empty script text).
func (rw rawWorkflow) toWorkflow(name string) (*Workflow, []string) {
	var violations []string

	maxDur := rw.MaxBuildDurationMin
	if maxDur == 0 {
		maxDur = DefaultMaxBuildDurationMin
	}
	if maxDur <= 0 {
		violations = append(violations, fmt.Sprintf("workflow %q: max_build_duration_min must be > 0", name))
	}

	if len(rw.Scripts) == 0 {
		violations = append(violations, fmt.Sprintf("workflow %q: scripts must be non-empty", name))
	}

	w := &Workflow{
		Name:                name,
		MaxBuildDurationMin: maxDur,
		Environment:         Environment{Vars: rw.Environment.Vars},
		Artifacts:           rw.Artifacts,
	}

	for i, rs := range rw.Scripts {
		if strings.TrimSpace(rs.Script) == "" {
			violations = append(violations, fmt.Sprintf("workflow %q: script %d: script text must be non-empty", name, i))
			continue
		}
		timeout := DefaultStepTimeoutSec
		if rs.TimeoutSec != nil {
			timeout = *rs.TimeoutSec
		}
		w.Scripts = append(w.Scripts, Step{
			Name:          rs.Name,
			Script:        rs.Script,
			TimeoutSec:    timeout,
			IgnoreFailure: rs.IgnoreFailure,
		})
	}

	if rw.Triggering != nil {
		t := &Triggering{
			BranchPatterns: BranchPatterns{
				Include: rw.Triggering.BranchPatterns.Include,
				Exclude: rw.Triggering.BranchPatterns.Exclude,
			},
		}
		for _, e := range rw.Triggering.Events {
			ev, err := parseEvent(e)
			if err != nil {
				violations = append(violations, fmt.Sprintf("workflow %q: %v", name, err))
				continue
			}
			t.Events = append(t.Events, ev)
		}
		w.Triggering = t
	}

	return w, violations
}

func parseEvent(s string) (Event, error) {
	switch strings.ToLower(s) {
	case "push":
		return EventPush, nil
	case "pull_request", "pullrequest", "merge_request", "mergerequest":
		return EventPullRequest, nil
	case "tag":
		return EventTag, nil
	default:
		return "", fmt.Errorf("unknown triggering event %q", s)
	}
}
