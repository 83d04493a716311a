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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/oore/oored/pkg/ciorrors"
)

// ShellExecutor is the reference Executor: it shells out to git and
// /bin/bash directly on the host running the server. There is no
// sandboxing — only trusted repositories should be connected.
type ShellExecutor struct {
	// MaxStepDurationSecs is the server-wide ceiling every step timeout
	// is clamped to.
	MaxStepDurationSecs int
	// MaxLogBytes caps the bytes retained per (step, stream) log file.
	MaxLogBytes int64
}

func NewShellExecutor(maxStepDurationSecs int, maxLogBytes int64) *ShellExecutor {
	return &ShellExecutor{MaxStepDurationSecs: maxStepDurationSecs, MaxLogBytes: maxLogBytes}
}

// ExecuteStep runs script through `/bin/bash -c`, capturing stdout/stderr
// to per-step log files and returning only after both stream readers have
// drained.
func (e *ShellExecutor) ExecuteStep(ctx context.Context, opts StepOptions) (*StepResult, error) {
	timeout := opts.TimeoutSec
	if e.MaxStepDurationSecs > 0 && timeout > e.MaxStepDurationSecs {
		timeout = e.MaxStepDurationSecs
	}
	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("executor: creating log dir: %w", err)
	}

	cmd := exec.CommandContext(stepCtx, "/bin/bash", "-c", opts.Script)
	cmd.Dir = opts.WorkspaceDir
	cmd.Env = buildEnv(opts)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stderr pipe: %w", err)
	}

	result := &StepResult{
		StdoutPath: filepath.Join(opts.LogDir, fmt.Sprintf("step-%d-stdout.log", opts.StepIndex)),
		StderrPath: filepath.Join(opts.LogDir, fmt.Sprintf("step-%d-stderr.log", opts.StepIndex)),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("executor: starting step: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		result.StdoutLines, _ = drainStream(stdoutPipe, result.StdoutPath, e.MaxLogBytes)
	}()
	go func() {
		defer wg.Done()
		result.StderrLines, _ = drainStream(stderrPipe, result.StderrPath, e.MaxLogBytes)
	}()

	waitErr := cmd.Wait()
	// Both stream readers must finish draining before we return: the
	// function returns only after both stream readers have drained.
	wg.Wait()

	result.ExitCode = exitCodeOf(waitErr)

	switch stepCtx.Err() {
	case context.DeadlineExceeded:
		result.ExitCode = -1
		return result, ciorrors.New(ciorrors.KindBuildTimeout, "step exceeded its timeout")
	case context.Canceled:
		// stepCtx only derives a Canceled state (as opposed to
		// DeadlineExceeded) from its parent, since our own cancel() is
		// deferred until after this point — so this is the build-level
		// cancel signal, not our own cleanup.
		result.ExitCode = -1
		return result, ciorrors.New(ciorrors.KindBuildCancelled, "build was cancelled")
	default:
		return result, nil
	}
}

func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// buildEnv composes the workflow's declared vars with the injected
// CI/OORE_* variables, inheriting only PATH and HOME from the
// server's own environment so step scripts see a predictable surface.
func buildEnv(opts StepOptions) []string {
	env := make([]string, 0, len(opts.Env)+8)
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"CI=true",
		"OORE=true",
		"OORE_BUILD_ID="+opts.BuildID,
		"OORE_COMMIT_SHA="+opts.CommitSHA,
		"OORE_BRANCH="+opts.Branch,
		"OORE_REPOSITORY_ID="+opts.RepositoryID,
		"PATH="+os.Getenv("PATH"),
		"HOME="+os.Getenv("HOME"),
	)
	return env
}

// Cleanup removes the build's workspace directory. Logs live elsewhere
// and are retained.
func (e *ShellExecutor) Cleanup(workspaceDir string) error {
	if workspaceDir == "" {
		return nil
	}
	if err := os.RemoveAll(workspaceDir); err != nil {
		return fmt.Errorf("executor: cleaning up workspace: %w", err)
	}
	return nil
}

// drainStream reads r line-oriented, appending to the file at path up to
// maxBytes, dropping any bytes past that cap while continuing to read
// until EOF so the child never blocks writing to a full pipe buffer. It
// never reads the pipe to completion in one shot.
func drainStream(r io.Reader, path string, maxBytes int64) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("executor: creating log file %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(r, 64*1024)
	var written int64
	var lines int
	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			lines++
			if written < maxBytes {
				n := int64(len(line))
				if written+n > maxBytes {
					n = maxBytes - written
				}
				if n > 0 {
					if _, werr := f.Write(line[:n]); werr == nil {
						written += n
					}
				}
			}
		}
		if readErr != nil {
			break
		}
	}
	return lines, nil
}
