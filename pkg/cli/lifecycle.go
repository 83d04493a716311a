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
	"context"
	"errors"
	"fmt"

	"github.com/abcxyz/pkg/cli"
)

var _ cli.Command = (*StartCommand)(nil)

// StartCommand starts the installed launchd service.
type StartCommand struct {
	cli.BaseCommand
}

func (c *StartCommand) Desc() string { return `Start the installed oored service (requires root)` }
func (c *StartCommand) Help() string {
	return "\nUsage: sudo {{ COMMAND }}\n\n  Start the installed oored LaunchDaemon.\n"
}
func (c *StartCommand) Flags() *cli.FlagSet { return cli.NewFlagSet() }

func (c *StartCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	paths := newServicePaths()
	if !fileExists(paths.ServiceFile) {
		return fmt.Errorf("service is not installed; run %q first", "sudo oored install")
	}
	if err := requireRoot(); err != nil {
		return err
	}
	fmt.Fprintln(c.Stdout(), "Starting oored service...")
	if err := startService(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.Stdout(), "Service started.")
	return nil
}

var _ cli.Command = (*StopCommand)(nil)

// StopCommand stops the installed launchd service.
type StopCommand struct {
	cli.BaseCommand
}

func (c *StopCommand) Desc() string { return `Stop the installed oored service (requires root)` }
func (c *StopCommand) Help() string {
	return "\nUsage: sudo {{ COMMAND }}\n\n  Stop the installed oored LaunchDaemon.\n"
}
func (c *StopCommand) Flags() *cli.FlagSet { return cli.NewFlagSet() }

func (c *StopCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	paths := newServicePaths()
	if !fileExists(paths.ServiceFile) {
		return fmt.Errorf("service is not installed")
	}
	if err := requireRoot(); err != nil {
		return err
	}
	fmt.Fprintln(c.Stdout(), "Stopping oored service...")
	if err := stopService(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.Stdout(), "Service stopped.")
	return nil
}

var _ cli.Command = (*RestartCommand)(nil)

// RestartCommand stops then starts the service, with a one-second
// pause between the two launchctl calls.
type RestartCommand struct {
	cli.BaseCommand
}

func (c *RestartCommand) Desc() string { return `Restart the installed oored service (requires root)` }
func (c *RestartCommand) Help() string {
	return "\nUsage: sudo {{ COMMAND }}\n\n  Stop, then start, the installed oored LaunchDaemon.\n"
}
func (c *RestartCommand) Flags() *cli.FlagSet { return cli.NewFlagSet() }

func (c *RestartCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	paths := newServicePaths()
	if !fileExists(paths.ServiceFile) {
		return fmt.Errorf("service is not installed; run %q first", "sudo oored install")
	}
	if err := requireRoot(); err != nil {
		return err
	}
	fmt.Fprintln(c.Stdout(), "Restarting oored service...")
	if err := stopService(ctx); err != nil {
		return err
	}
	sleepBriefly()
	if err := startService(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.Stdout(), "Service restarted.")
	return nil
}

var _ cli.Command = (*StatusCommand)(nil)

// StatusCommand reports whether the service is installed and running.
// Unlike start/stop/restart, this never requires root: an unprivileged
// caller simply can't distinguish "not running" from launchctl print
// failing for other reasons.
type StatusCommand struct {
	cli.BaseCommand
}

func (c *StatusCommand) Desc() string { return `Show the oored service's install/run status` }
func (c *StatusCommand) Help() string {
	return "\nUsage: {{ COMMAND }}\n\n  Report whether oored is installed and running as a system service.\n"
}
func (c *StatusCommand) Flags() *cli.FlagSet { return cli.NewFlagSet() }

func (c *StatusCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	paths := newServicePaths()
	status := getServiceStatus(ctx, paths)
	fmt.Fprint(c.Stdout(), status.String())
	return nil
}

var _ cli.Command = (*ServiceLogsCommand)(nil)

// ServiceLogsCommand tails the daemon's log file.
type ServiceLogsCommand struct {
	cli.BaseCommand

	flagLines  int
	flagFollow bool
}

func (c *ServiceLogsCommand) Desc() string { return `View the oored service log file` }
func (c *ServiceLogsCommand) Help() string {
	return `
Usage: {{ COMMAND }} [--lines N] [--follow]

  Print the tail of ` + newServicePaths().LogFile + `.
`
}

func (c *ServiceLogsCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet()
	f := set.NewSection("LOGS OPTIONS")
	f.IntVar(&cli.IntVar{
		Name:    "lines",
		Target:  &c.flagLines,
		Default: 50,
		Usage:   `Number of trailing lines to print.`,
	})
	f.BoolVar(&cli.BoolVar{
		Name:   "follow",
		Target: &c.flagFollow,
		Usage:  `Keep printing new lines as they're written.`,
	})
	return set
}

func (c *ServiceLogsCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	paths := newServicePaths()
	if !fileExists(paths.LogFile) {
		return fmt.Errorf("log file %s does not exist yet", paths.LogFile)
	}
	return tailFile(ctx, paths.LogFile, c.flagLines, c.flagFollow)
}

// ExitCodeFor maps a CLI error to the process exit code: 0 success, 1
// usage or runtime error, 2 requires-root.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrRequiresRoot) {
		return 2
	}
	return 1
}
