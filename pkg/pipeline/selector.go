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
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/store"
)

// Select is the workflow selector. Results never depend on map
// iteration order: Pipeline.Workflows is a slice in document order, and
// candidate names are sorted before being placed in an error message.
func Select(ctx context.Context, p *Pipeline, trigger store.TriggerType, branch string) (*Workflow, error) {
	if trigger == store.TriggerManual {
		return selectManual(p)
	}

	event, err := eventForTrigger(trigger)
	if err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindNoMatchingWorkflow, err.Error(), err)
	}

	var matches []*Workflow
	for _, w := range p.Workflows {
		if !eventMatches(w, event) {
			continue
		}
		if !branchMatches(ctx, w, branch) {
			continue
		}
		matches = append(matches, w)
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		// Fall back to workflows with no triggering clause at all.
		var untriggered []*Workflow
		for _, w := range p.Workflows {
			if w.Triggering == nil {
				untriggered = append(untriggered, w)
			}
		}
		if len(untriggered) == 1 {
			return untriggered[0], nil
		}
		return nil, ciorrors.New(ciorrors.KindNoMatchingWorkflow,
			fmt.Sprintf("no workflow matches trigger %q on branch %q", trigger, branch))
	default:
		return nil, ciorrors.New(ciorrors.KindNoMatchingWorkflow,
			fmt.Sprintf("ambiguous workflow selection for trigger %q on branch %q, candidates: %s",
				trigger, branch, candidateNames(matches)))
	}
}

func selectManual(p *Pipeline) (*Workflow, error) {
	if w := p.ByName("default"); w != nil {
		return w, nil
	}
	if len(p.Workflows) == 1 {
		return p.Workflows[0], nil
	}
	return nil, ciorrors.New(ciorrors.KindNoMatchingWorkflow,
		"manual trigger requires a workflow named \"default\" when more than one workflow is defined")
}

func eventForTrigger(trigger store.TriggerType) (Event, error) {
	switch trigger {
	case store.TriggerPush:
		return EventPush, nil
	case store.TriggerPullRequest, store.TriggerMergeRequest:
		return EventPullRequest, nil
	default:
		return "", fmt.Errorf("unsupported trigger type %q", trigger)
	}
}

func eventMatches(w *Workflow, event Event) bool {
	if w.Triggering == nil || len(w.Triggering.Events) == 0 {
		return true
	}
	for _, e := range w.Triggering.Events {
		if e == event {
			return true
		}
	}
	return false
}

func branchMatches(ctx context.Context, w *Workflow, branch string) bool {
	if w.Triggering == nil {
		return true
	}
	pats := w.Triggering.BranchPatterns
	for _, excl := range pats.Exclude {
		if globMatch(ctx, excl, branch) {
			return false
		}
	}
	if len(pats.Include) == 0 {
		return true
	}
	for _, incl := range pats.Include {
		if globMatch(ctx, incl, branch) {
			return true
		}
	}
	return false
}

// globMatch implements Unix shell globbing (`*`, `?`, `[abc]`, `**`) via
// doublestar. An invalid pattern degrades to an exact-string match and is
// logged.
func globMatch(ctx context.Context, pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "invalid glob pattern, degrading to exact match", "pattern", pattern, "error", err)
		return pattern == name
	}
	return ok
}

func candidateNames(ws []*Workflow) string {
	names := make([]string, 0, len(ws))
	for _, w := range ws {
		names = append(names, w.Name)
	}
	sort.Strings(names)
	result := ""
	for i, n := range names {
		if i > 0 {
			result += ", "
		}
		result += n
	}
	return result
}
