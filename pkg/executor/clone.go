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

package executor

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/ciorrors"
)

// CloneRepo performs a blob-filtered partial clone of the full clone
// URL, a fetch of the exact commit, then a checkout.
func (e *ShellExecutor) CloneRepo(ctx context.Context, cloneURL, commitSHA, workspaceDir, authToken string) error {
	logger := logging.FromContext(ctx)

	effectiveURL, err := injectToken(cloneURL, authToken)
	if err != nil {
		logger.WarnContext(ctx, "could not inject clone token, proceeding unauthenticated", "error", err)
		effectiveURL = cloneURL
	}

	steps := [][]string{
		{"clone", "--filter=blob:none", "--no-checkout", effectiveURL, workspaceDir},
	}
	for _, args := range steps {
		if err := e.runGit(ctx, "", args); err != nil {
			return ciorrors.Wrap(ciorrors.KindGitCloneError, "git clone failed", err)
		}
	}
	if err := e.runGit(ctx, workspaceDir, []string{"fetch", "--depth=1", "origin", commitSHA}); err != nil {
		return ciorrors.Wrap(ciorrors.KindGitCloneError, "git fetch of commit failed", err)
	}
	if err := e.runGit(ctx, workspaceDir, []string{"checkout", "--detach", commitSHA}); err != nil {
		return ciorrors.Wrap(ciorrors.KindGitCloneError, "git checkout failed", err)
	}
	return nil
}

func (e *ShellExecutor) runGit(ctx context.Context, dir string, args []string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, SanitizeError(stderr.String()))
	}
	return nil
}

// injectToken rewrites an HTTPS clone URL to carry authToken as an
// x-access-token Basic-auth style credential. HTTP URLs refuse token
// injection (the caller logs and proceeds unauthenticated); SSH and
// other schemes pass through unchanged.
func injectToken(cloneURL, authToken string) (string, error) {
	if authToken == "" {
		return cloneURL, nil
	}
	if !strings.Contains(cloneURL, "://") {
		// scp-style git@host:path has no scheme and is not a parseable URL.
		return cloneURL, nil
	}
	u, err := url.Parse(cloneURL)
	if err != nil {
		return cloneURL, fmt.Errorf("clone url %q is not a valid URL: %w", cloneURL, err)
	}
	switch u.Scheme {
	case "https":
		u.User = url.UserPassword("x-access-token", authToken)
		return u.String(), nil
	case "http":
		return "", fmt.Errorf("refusing to inject a credential into a plain HTTP clone url")
	default:
		// ssh:// or scp-style git@host:path — token auth doesn't apply.
		return cloneURL, nil
	}
}
