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

package buildproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/executor"
	"github.com/oore/oored/pkg/ids"
	"github.com/oore/oored/pkg/pipeline"
	"github.com/oore/oored/pkg/store"
)

// executeBuild runs the per-build sequence end to end. It never
// returns an error: every failure is recorded on the Build row itself,
// since there is no caller left to report to once the build has been
// dispatched off the queue.
func (s *Scheduler) executeBuild(parent context.Context, buildID string) {
	logger := logging.FromContext(parent)
	ctx := parent
	if s.maxBuildDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.maxBuildDuration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Step 1: reload, skip if no longer Pending.
	build, err := s.builds.Get(ctx, buildID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to reload build before execution", "build_id", buildID, "error", err)
		return
	}
	if build.Status != store.BuildPending {
		logger.InfoContext(ctx, "skipping build no longer pending", "build_id", buildID, "status", build.Status)
		return
	}

	// Step 2: transition to Running, register the cancel signal before
	// the first step begins.
	startedAt := time.Now().UTC()
	if err := s.builds.TransitionToRunning(ctx, buildID, startedAt); err != nil {
		logger.ErrorContext(ctx, "failed to transition build to running", "build_id", buildID, "error", err)
		return
	}
	s.registerCancel(buildID, cancel)
	defer s.unregisterCancel(buildID)

	workspaceDir := filepath.Join(s.workspacesDir, buildID)
	logDir := filepath.Join(s.logsDir, buildID)
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		s.fail(ctx, buildID, fmt.Sprintf("failed to create workspace: %v", err), workspaceDir)
		return
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		s.fail(ctx, buildID, fmt.Sprintf("failed to create log directory: %v", err), workspaceDir)
		return
	}

	repo, err := s.repos.Get(ctx, build.RepositoryID)
	if err != nil {
		s.fail(ctx, buildID, fmt.Sprintf("failed to load repository: %v", err), workspaceDir)
		return
	}

	// Step 3: resolve credentials.
	token, err := s.resolveToken(ctx, repo)
	if err != nil {
		s.fail(ctx, buildID, err.Error(), workspaceDir)
		return
	}

	// Step 4: clone.
	if err := s.exec.CloneRepo(ctx, repo.CloneURL, build.CommitSHA, workspaceDir, token); err != nil {
		s.failTerminal(ctx, buildID, statusForErr(err), fmt.Sprintf("git clone failed: %v", executor.SanitizeError(err.Error())), workspaceDir)
		return
	}

	// Step 5: resolve config.
	resolved, err := s.resolver.Resolve(ctx, repo.ID, workspaceDir)
	if err != nil {
		s.fail(ctx, buildID, err.Error(), workspaceDir)
		return
	}

	// Step 6: select workflow.
	workflow, err := pipeline.Select(ctx, resolved.Pipeline, build.TriggerType, build.Branch)
	if err != nil {
		s.fail(ctx, buildID, err.Error(), workspaceDir)
		return
	}
	if err := s.builds.SetWorkflow(ctx, buildID, workflow.Name, resolved.Source); err != nil {
		logger.ErrorContext(ctx, "failed to record selected workflow", "build_id", buildID, "error", err)
	}

	// Step 7: persist BuildStep rows.
	buildSteps := make([]*store.BuildStep, 0, len(workflow.Scripts))
	for i, step := range workflow.Scripts {
		timeout := step.TimeoutSec
		if timeout <= 0 || (s.maxStepDuration > 0 && time.Duration(timeout)*time.Second > s.maxStepDuration) {
			timeout = int(s.maxStepDuration / time.Second)
		}
		buildSteps = append(buildSteps, &store.BuildStep{
			ID:            ids.New(),
			BuildID:       buildID,
			StepIndex:     i,
			Name:          step.Name,
			Script:        step.Script,
			TimeoutSecs:   timeout,
			IgnoreFailure: step.IgnoreFailure,
			Status:        store.StepPending,
		})
	}
	if err := s.steps.InsertBatch(ctx, buildSteps); err != nil {
		s.fail(ctx, buildID, fmt.Sprintf("failed to persist build steps: %v", err), workspaceDir)
		return
	}

	// Step 8: run steps sequentially.
	finalStatus, stepErrMsg := s.runSteps(ctx, build, workflow, buildSteps, workspaceDir, logDir)

	// Step 9: harvest artifacts (best-effort; a failure here doesn't flip
	// an otherwise-successful build to Failure, it's just logged).
	if finalStatus == store.BuildSuccess {
		if err := s.harvestArtifacts(ctx, buildID, workspaceDir, workflow.Artifacts); err != nil {
			logger.ErrorContext(ctx, "failed to harvest artifacts", "build_id", buildID, "error", err)
		}
	}

	// Step 10: transition to final status.
	finishedAt := time.Now().UTC()
	var errMsg *string
	if stepErrMsg != "" {
		errMsg = &stepErrMsg
	}
	if err := s.builds.SetTerminal(ctx, buildID, finalStatus, finishedAt, errMsg); err != nil {
		logger.ErrorContext(ctx, "failed to set build terminal status", "build_id", buildID, "error", err)
	}

	// Step 11: cleanup workspace; logs are retained.
	if err := s.exec.Cleanup(workspaceDir); err != nil {
		logger.WarnContext(ctx, "failed to clean up workspace", "build_id", buildID, "error", err)
	}
}

func (s *Scheduler) resolveToken(ctx context.Context, repo *store.Repository) (string, error) {
	var resolver CredentialResolver
	switch repo.Provider {
	case store.ProviderGitHub:
		resolver = s.github
	case store.ProviderGitLab:
		resolver = s.gitlab
	}
	if resolver == nil {
		return "", nil
	}
	token, err := resolver.TokenForRepository(ctx, repo)
	if err != nil {
		if ciorrors.Is(err, ciorrors.KindCredentialError) {
			return "", fmt.Errorf("credential configuration error: %w", err)
		}
		logging.FromContext(ctx).WarnContext(ctx, "credential resolution failed, falling back to unauthenticated clone",
			"repository_id", repo.ID, "error", err)
		return "", nil
	}
	return token, nil
}

// runSteps executes workflow.Scripts in order against buildSteps (index
// aligned), implementing the success/ignore-failure/stop/skip matrix.
// It returns the Build's final status and an optional message.
func (s *Scheduler) runSteps(ctx context.Context, build *store.Build, workflow *pipeline.Workflow, buildSteps []*store.BuildStep, workspaceDir, logDir string) (store.BuildStatus, string) {
	logger := logging.FromContext(ctx)
	anyFailure := false

	for i, step := range workflow.Scripts {
		row := buildSteps[i]

		if ctx.Err() != nil {
			if err := s.steps.SkipRemaining(ctx, build.ID, i); err != nil {
				logger.ErrorContext(ctx, "failed to skip remaining steps on cancellation", "build_id", build.ID, "error", err)
			}
			return terminalStatusForErr(ctx.Err()), "build cancelled before all steps ran"
		}

		startedAt := time.Now().UTC()
		if err := s.steps.TransitionToRunning(ctx, row.ID, startedAt); err != nil {
			logger.ErrorContext(ctx, "failed to transition step to running", "step_id", row.ID, "error", err)
		}

		result, err := s.exec.ExecuteStep(ctx, executor.StepOptions{
			WorkspaceDir: workspaceDir,
			Script:       step.Script,
			Env:          workflow.Environment.Vars,
			TimeoutSec:   row.TimeoutSecs,
			LogDir:       logDir,
			StepIndex:    i,
			BuildID:      build.ID,
			CommitSHA:    build.CommitSHA,
			Branch:       build.Branch,
			RepositoryID: build.RepositoryID,
		})
		finishedAt := time.Now().UTC()

		if result != nil {
			s.recordStepLogs(ctx, build.ID, i, result)
		}

		switch {
		case err != nil && ciorrors.Is(err, ciorrors.KindBuildCancelled):
			_ = s.steps.SetTerminal(ctx, row.ID, store.StepCancelled, nil, finishedAt)
			if skipErr := s.steps.SkipRemaining(ctx, build.ID, i+1); skipErr != nil {
				logger.ErrorContext(ctx, "failed to skip remaining steps after cancellation", "build_id", build.ID, "error", skipErr)
			}
			return store.BuildCancelled, "build cancelled"

		case err != nil && ciorrors.Is(err, ciorrors.KindBuildTimeout):
			_ = s.steps.SetTerminal(ctx, row.ID, store.StepFailure, nil, finishedAt)
			if skipErr := s.steps.SkipRemaining(ctx, build.ID, i+1); skipErr != nil {
				logger.ErrorContext(ctx, "failed to skip remaining steps after timeout", "build_id", build.ID, "error", skipErr)
			}
			return store.BuildFailure, fmt.Sprintf("step %q timed out", step.Name)

		case err != nil:
			_ = s.steps.SetTerminal(ctx, row.ID, store.StepFailure, nil, finishedAt)
			anyFailure = true
			msg := fmt.Sprintf("step %q failed to run: %v", step.Name, executor.SanitizeError(err.Error()))
			if skipErr := s.steps.SkipRemaining(ctx, build.ID, i+1); skipErr != nil {
				logger.ErrorContext(ctx, "failed to skip remaining steps", "build_id", build.ID, "error", skipErr)
			}
			return store.BuildFailure, msg

		case result.ExitCode == 0:
			_ = s.steps.SetTerminal(ctx, row.ID, store.StepSuccess, &result.ExitCode, finishedAt)

		case step.IgnoreFailure:
			_ = s.steps.SetTerminal(ctx, row.ID, store.StepFailure, &result.ExitCode, finishedAt)
			anyFailure = true

		default:
			_ = s.steps.SetTerminal(ctx, row.ID, store.StepFailure, &result.ExitCode, finishedAt)
			anyFailure = true
			if skipErr := s.steps.SkipRemaining(ctx, build.ID, i+1); skipErr != nil {
				logger.ErrorContext(ctx, "failed to skip remaining steps", "build_id", build.ID, "error", skipErr)
			}
			return store.BuildFailure, fmt.Sprintf("step %q exited %d", step.Name, result.ExitCode)
		}
	}

	if anyFailure {
		return store.BuildFailure, "one or more ignored steps failed"
	}
	return store.BuildSuccess, ""
}

func (s *Scheduler) harvestArtifacts(ctx context.Context, buildID, workspaceDir string, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	matches, err := pipeline.MatchArtifacts(workspaceDir, patterns)
	if err != nil {
		return fmt.Errorf("matching artifact globs: %w", err)
	}

	destDir := filepath.Join(s.artifactsDir, buildID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating artifact storage dir: %w", err)
	}

	for _, relPath := range matches {
		srcPath := filepath.Join(workspaceDir, relPath)
		info, err := os.Stat(srcPath)
		if err != nil || info.IsDir() {
			continue
		}
		sum, contentType, err := hashAndSniff(srcPath)
		if err != nil {
			return fmt.Errorf("inspecting artifact %s: %w", relPath, err)
		}
		destPath := filepath.Join(destDir, filepath.Base(relPath))
		if err := copyFile(srcPath, destPath); err != nil {
			return fmt.Errorf("copying artifact %s: %w", relPath, err)
		}
		artifact := &store.BuildArtifact{
			ID:             ids.New(),
			BuildID:        buildID,
			Name:           filepath.Base(relPath),
			RelativePath:   relPath,
			StoragePath:    destPath,
			SizeBytes:      info.Size(),
			ContentType:    contentType,
			ChecksumSHA256: sum,
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.artifacts.Insert(ctx, artifact); err != nil {
			return fmt.Errorf("recording artifact %s: %w", relPath, err)
		}
	}
	return nil
}

func hashAndSniff(path string) (checksum, contentType string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	h := sha256.New()
	sniff := make([]byte, 512)
	n, _ := io.ReadFull(io.TeeReader(f, h), sniff)
	if _, err := io.Copy(h, f); err != nil {
		return "", "", err
	}

	contentType = mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(sniff[:n])
	}
	return hex.EncodeToString(h.Sum(nil)), contentType, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// fail records a non-terminal-classified failure (configuration/parse/etc)
// as Build Failure.
func (s *Scheduler) fail(ctx context.Context, buildID, message, workspaceDir string) {
	s.failTerminal(ctx, buildID, store.BuildFailure, message, workspaceDir)
}

func (s *Scheduler) failTerminal(ctx context.Context, buildID string, status store.BuildStatus, message, workspaceDir string) {
	now := time.Now().UTC()
	if err := s.builds.SetTerminal(ctx, buildID, status, now, &message); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "failed to record build failure", "build_id", buildID, "error", err)
	}
	if err := s.exec.Cleanup(workspaceDir); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "failed to clean up workspace after failure", "build_id", buildID, "error", err)
	}
}

// recordStepLogs upserts the stdout/stderr pointer rows for one step, so
// the admin API's log-content route (which reads the files named here)
// has something to look up instead of guessing the on-disk path from
// convention.
func (s *Scheduler) recordStepLogs(ctx context.Context, buildID string, stepIndex int, result *executor.StepResult) {
	logger := logging.FromContext(ctx)
	rows := []*store.BuildLog{
		{ID: ids.New(), BuildID: buildID, StepIndex: stepIndex, Stream: store.StreamStdout, LogFilePath: result.StdoutPath, LineCount: result.StdoutLines},
		{ID: ids.New(), BuildID: buildID, StepIndex: stepIndex, Stream: store.StreamStderr, LogFilePath: result.StderrPath, LineCount: result.StderrLines},
	}
	for _, row := range rows {
		if err := s.logs.Upsert(ctx, row); err != nil {
			logger.ErrorContext(ctx, "failed to record build log pointer", "build_id", buildID, "step_index", stepIndex, "stream", row.Stream, "error", err)
		}
	}
}

func statusForErr(err error) store.BuildStatus {
	if ciorrors.Is(err, ciorrors.KindBuildCancelled) {
		return store.BuildCancelled
	}
	return store.BuildFailure
}

func terminalStatusForErr(err error) store.BuildStatus {
	if errors.Is(err, context.Canceled) {
		return store.BuildCancelled
	}
	return store.BuildFailure
}
