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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/store"
)

// workspaceConfigNames is the search order within a cloned workspace,
// first hit wins.
var workspaceConfigNames = []string{"codemagic.yaml", ".codemagic.yaml"}

// Resolver resolves a repository's pipeline config: workspace files first, then the
// repository's active stored PipelineConfig.
type Resolver struct {
	configs store.PipelineConfigs
}

func NewResolver(configs store.PipelineConfigs) *Resolver {
	return &Resolver{configs: configs}
}

// Resolve searches, in order: <workspace>/codemagic.yaml,
// <workspace>/.codemagic.yaml, then the stored active config for
// repositoryID. workspaceDir may be empty (e.g. before clone) to skip
// straight to the stored config.
func (r *Resolver) Resolve(ctx context.Context, repositoryID, workspaceDir string) (*ResolvedConfig, error) {
	logger := logging.FromContext(ctx)

	if workspaceDir != "" {
		if _, err := os.Stat(workspaceDir); err == nil {
			for _, name := range workspaceConfigNames {
				path := filepath.Join(workspaceDir, name)
				content, err := os.ReadFile(path)
				if err != nil {
					if os.IsNotExist(err) {
						continue
					}
					return nil, fmt.Errorf("pipeline: reading %s: %w", path, err)
				}
				result, err := Parse(string(content))
				if err != nil {
					return nil, err
				}
				if len(result.Warnings) > 0 {
					logger.WarnContext(ctx, "pipeline config has unsupported fields", "path", path, "warnings", result.Warnings)
				}
				return &ResolvedConfig{
					Pipeline:   result.Pipeline,
					Source:     store.ConfigSourceRepository,
					RawContent: string(content),
					Format:     DetectFormat(string(content)),
				}, nil
			}
		}
	}

	cfg, err := r.configs.GetActive(ctx, repositoryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ciorrors.New(ciorrors.KindConfigNotFound,
				"no pipeline configuration found: add a codemagic.yaml to the repository, or store one via the admin API")
		}
		return nil, fmt.Errorf("pipeline: loading stored config: %w", err)
	}
	result, err := Parse(cfg.ConfigContent)
	if err != nil {
		return nil, err
	}
	if len(result.Warnings) > 0 {
		logger.WarnContext(ctx, "pipeline config has unsupported fields", "repository_id", repositoryID, "warnings", result.Warnings)
	}
	return &ResolvedConfig{
		Pipeline:   result.Pipeline,
		Source:     store.ConfigSourceStored,
		RawContent: cfg.ConfigContent,
		Format:     cfg.ConfigFormat,
	}, nil
}
