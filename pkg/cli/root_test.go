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
	"testing"

	"github.com/abcxyz/pkg/cli"
)

func TestRootCmd_RegistersExpectedTopLevelCommands(t *testing.T) {
	t.Parallel()

	root, ok := rootCmd().(*cli.RootCommand)
	if !ok {
		t.Fatalf("rootCmd() returned %T, want *cli.RootCommand", rootCmd())
	}

	want := []string{
		"server", "init", "install", "uninstall",
		"start", "stop", "restart", "status", "logs",
		"migrate", "config", "build",
	}
	for _, name := range want {
		factory, ok := root.Commands[name]
		if !ok {
			t.Errorf("missing top-level command %q", name)
			continue
		}
		if factory() == nil {
			t.Errorf("command %q factory returned nil", name)
		}
	}
}

func TestRootCmd_ConfigAndBuildAreNestedRoots(t *testing.T) {
	t.Parallel()

	root := rootCmd().(*cli.RootCommand)

	configRoot, ok := root.Commands["config"]().(*cli.RootCommand)
	if !ok {
		t.Fatal("config command is not a nested RootCommand")
	}
	if _, ok := configRoot.Commands["validate"]; !ok {
		t.Error("config root missing validate subcommand")
	}

	buildRoot, ok := root.Commands["build"]().(*cli.RootCommand)
	if !ok {
		t.Fatal("build command is not a nested RootCommand")
	}
	if _, ok := buildRoot.Commands["logs"]; !ok {
		t.Error("build root missing logs subcommand")
	}
}
