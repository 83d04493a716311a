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
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchArtifacts expands the workflow's artifacts globs against
// workspaceDir, relative to its root, following the same Unix shell
// globbing doublestar provides the branch-pattern matcher with. Results are
// deduplicated and returned as paths relative to workspaceDir.
func MatchArtifacts(workspaceDir string, patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(workspaceDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("pipeline: invalid artifact glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			rel, err := filepath.Rel(workspaceDir, m)
			if err != nil {
				continue
			}
			if !seen[rel] {
				seen[rel] = true
				out = append(out, rel)
			}
		}
	}
	return out, nil
}
