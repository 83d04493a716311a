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

package cli

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// Start/Stop/RestartCommand all check fileExists(paths.ServiceFile) before
// requireRoot, and nothing in this repository's test environment has
// oored actually installed as a launchd service, so these deterministically
// take the "not installed" branch without needing root or touching the
// filesystem.
func TestStartCommand_NotInstalled(t *testing.T) {
	t.Parallel()

	var cmd StartCommand
	_, _, _ = cmd.Pipe()
	err := cmd.Run(t.Context(), nil)
	if err == nil || !strings.Contains(err.Error(), "not installed") {
		t.Fatalf("err = %v, want not-installed error", err)
	}
}

func TestStopCommand_NotInstalled(t *testing.T) {
	t.Parallel()

	var cmd StopCommand
	_, _, _ = cmd.Pipe()
	err := cmd.Run(t.Context(), nil)
	if err == nil || !strings.Contains(err.Error(), "not installed") {
		t.Fatalf("err = %v, want not-installed error", err)
	}
}

func TestRestartCommand_NotInstalled(t *testing.T) {
	t.Parallel()

	var cmd RestartCommand
	_, _, _ = cmd.Pipe()
	err := cmd.Run(t.Context(), nil)
	if err == nil || !strings.Contains(err.Error(), "not installed") {
		t.Fatalf("err = %v, want not-installed error", err)
	}
}

func TestStatusCommand_ReportsNotInstalled(t *testing.T) {
	t.Parallel()

	var cmd StatusCommand
	stdout, _, _ := cmd.Pipe()
	if err := cmd.Run(t.Context(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(stdout.String(), "Not installed") {
		t.Fatalf("stdout = %q, want Not installed", stdout.String())
	}
}

func TestServiceLogsCommand_MissingLogFile(t *testing.T) {
	t.Parallel()

	var cmd ServiceLogsCommand
	_, _, _ = cmd.Pipe()
	err := cmd.Run(t.Context(), nil)
	if err == nil || !strings.Contains(err.Error(), "does not exist yet") {
		t.Fatalf("err = %v, want does-not-exist-yet error", err)
	}
}

func TestExitCodeFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"requires_root", ErrRequiresRoot, 2},
		{"wrapped_requires_root", fmt.Errorf("installing: %w", ErrRequiresRoot), 2},
		{"other", errors.New("boom"), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ExitCodeFor(tc.err); got != tc.want {
				t.Errorf("ExitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
