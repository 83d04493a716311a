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
	"os"
	"strings"
	"testing"
)

// Install/UninstallCommand write to hardcoded system paths once past the
// root check, so these tests only exercise the branches that return
// before any such write: unexpected arguments, and (skipped when the
// test process itself runs as root, since then requireRoot would let the
// real system-path writes through) the requires-root guard.
func skipIfRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() == 0 {
		t.Skip("skipping: test process is running as root")
	}
}

func TestInstallCommand_RejectsUnexpectedArguments(t *testing.T) {
	t.Parallel()

	var cmd InstallCommand
	_, _, _ = cmd.Pipe()
	err := cmd.Run(t.Context(), []string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "unexpected arguments") {
		t.Fatalf("err = %v, want unexpected arguments", err)
	}
}

func TestInstallCommand_RequiresRoot(t *testing.T) {
	t.Parallel()
	skipIfRoot(t)

	var cmd InstallCommand
	_, _, _ = cmd.Pipe()
	err := cmd.Run(t.Context(), nil)
	if !errors.Is(err, ErrRequiresRoot) {
		t.Fatalf("err = %v, want ErrRequiresRoot", err)
	}
}

func TestUninstallCommand_RejectsUnexpectedArguments(t *testing.T) {
	t.Parallel()

	var cmd UninstallCommand
	_, _, _ = cmd.Pipe()
	err := cmd.Run(t.Context(), []string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "unexpected arguments") {
		t.Fatalf("err = %v, want unexpected arguments", err)
	}
}

func TestUninstallCommand_RequiresRoot(t *testing.T) {
	t.Parallel()
	skipIfRoot(t)

	var cmd UninstallCommand
	_, _, _ = cmd.Pipe()
	err := cmd.Run(t.Context(), nil)
	if !errors.Is(err, ErrRequiresRoot) {
		t.Fatalf("err = %v, want ErrRequiresRoot", err)
	}
}
