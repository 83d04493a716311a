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

// Package cli implements the oored command tree: the foreground server
// command, the launchd-backed daemon lifecycle (init/install/uninstall/
// start/stop/restart/status/logs), and a handful of admin-API client
// conveniences (config validate, build logs) carried over from the
// original oore-cli.
package cli

import (
	"context"

	"github.com/abcxyz/pkg/cli"

	"github.com/oore/oored/pkg/version"
)

var rootCmd = func() cli.Command {
	return &cli.RootCommand{
		Name:    "oored",
		Version: version.HumanVersion,
		Commands: map[string]cli.CommandFactory{
			"server": func() cli.Command {
				return &ServerCommand{}
			},
			"init": func() cli.Command {
				return &InitCommand{}
			},
			"install": func() cli.Command {
				return &InstallCommand{}
			},
			"uninstall": func() cli.Command {
				return &UninstallCommand{}
			},
			"start": func() cli.Command {
				return &StartCommand{}
			},
			"stop": func() cli.Command {
				return &StopCommand{}
			},
			"restart": func() cli.Command {
				return &RestartCommand{}
			},
			"status": func() cli.Command {
				return &StatusCommand{}
			},
			"logs": func() cli.Command {
				return &ServiceLogsCommand{}
			},
			"migrate": func() cli.Command {
				return &MigrateCommand{}
			},
			"config": func() cli.Command {
				return &cli.RootCommand{
					Name:        "config",
					Description: "Inspect and validate server configuration",
					Commands: map[string]cli.CommandFactory{
						"validate": func() cli.Command {
							return &ConfigValidateCommand{}
						},
					},
				}
			},
			"build": func() cli.Command {
				return &cli.RootCommand{
					Name:        "build",
					Description: "Query build state from a running server",
					Commands: map[string]cli.CommandFactory{
						"logs": func() cli.Command {
							return &BuildLogsCommand{}
						},
					},
				}
			},
		},
	}
}

// Run executes the CLI.
func Run(ctx context.Context, args []string) error {
	return rootCmd().Run(ctx, args) //nolint:wrapcheck // Want passthrough
}
