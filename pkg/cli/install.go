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
	"fmt"
	"os"

	"github.com/abcxyz/pkg/cli"
)

var _ cli.Command = (*InstallCommand)(nil)

// InstallCommand installs oored as a launchd LaunchDaemon: create
// directories, copy the running binary, write or preserve the env file,
// write the plist, then load it.
type InstallCommand struct {
	cli.BaseCommand

	flagEnvFile string
	flagForce   bool
}

func (c *InstallCommand) Desc() string {
	return `Install oored as a system service (requires root)`
}

func (c *InstallCommand) Help() string {
	return `
Usage: sudo {{ COMMAND }} [options]

  Install oored as a launchd LaunchDaemon: copies the current binary to
  /usr/local/bin/oored, writes /etc/oore/oore.env, and registers
  ` + serviceName + `.
`
}

func (c *InstallCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet()
	f := set.NewSection("INSTALL OPTIONS")
	f.StringVar(&cli.StringVar{
		Name:   "env-file",
		Target: &c.flagEnvFile,
		Usage:  `Env file to install as /etc/oore/oore.env, instead of generating one.`,
	})
	f.BoolVar(&cli.BoolVar{
		Name:   "force",
		Target: &c.flagForce,
		Usage:  `Reinstall even if the service is already installed.`,
	})
	return set
}

func (c *InstallCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if args := f.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}
	if err := requireRoot(); err != nil {
		return err
	}

	paths := newServicePaths()
	if fileExists(paths.ServiceFile) && !c.flagForce {
		return fmt.Errorf("service is already installed at %s; use --force to reinstall", paths.ServiceFile)
	}

	out := c.Stdout()
	fmt.Fprintln(out, "Installing oored as a system service...")

	if err := createDirectories(paths); err != nil {
		return err
	}
	if err := copyBinary(paths); err != nil {
		return err
	}
	if err := setupEnvFile(paths, c.flagEnvFile); err != nil {
		return fmt.Errorf("setting up env file: %w", err)
	}
	if err := writePlist(paths); err != nil {
		return err
	}
	if err := loadService(ctx, paths); err != nil {
		return err
	}

	fmt.Fprintln(out, "Installation complete.")
	fmt.Fprintf(out, "  1. Edit configuration: sudo vi %s\n", paths.EnvFile)
	fmt.Fprintln(out, "  2. Start the service: sudo oored start")
	fmt.Fprintln(out, "  3. Check status: oored status")
	return nil
}

var _ cli.Command = (*UninstallCommand)(nil)

// UninstallCommand reverses InstallCommand: stop, unregister, remove the
// plist, and (with --purge) remove the binary and every data/log/config
// directory.
type UninstallCommand struct {
	cli.BaseCommand

	flagPurge bool
}

func (c *UninstallCommand) Desc() string {
	return `Uninstall the oored system service (requires root)`
}

func (c *UninstallCommand) Help() string {
	return `
Usage: sudo {{ COMMAND }} [--purge]

  Unregister the oored LaunchDaemon. By default, data, logs, and
  configuration under /var/lib/oore, /var/log/oore, and /etc/oore are
  preserved; --purge removes them too.
`
}

func (c *UninstallCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet()
	f := set.NewSection("UNINSTALL OPTIONS")
	f.BoolVar(&cli.BoolVar{
		Name:   "purge",
		Target: &c.flagPurge,
		Usage:  `Also remove the binary and all data/log/config directories.`,
	})
	return set
}

func (c *UninstallCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if args := f.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}
	if err := requireRoot(); err != nil {
		return err
	}

	paths := newServicePaths()
	if !fileExists(paths.ServiceFile) {
		return fmt.Errorf("service is not installed")
	}

	out := c.Stdout()
	fmt.Fprintln(out, "Uninstalling oored system service...")

	_ = stopService(ctx)
	if err := unloadService(ctx, paths); err != nil {
		return err
	}
	if err := os.Remove(paths.ServiceFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", paths.ServiceFile, err)
	}

	if c.flagPurge {
		for _, path := range []string{paths.Binary} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing %s: %w", path, err)
			}
		}
		for _, dir := range []string{paths.DataDir, paths.LogDir, paths.ConfigDir} {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("removing %s: %w", dir, err)
			}
		}
		fmt.Fprintln(out, "Uninstallation complete; all data, logs, and configuration removed.")
		return nil
	}

	fmt.Fprintln(out, "Uninstallation complete.")
	fmt.Fprintln(out, "Data, logs, and configuration were preserved. Re-run with --purge to remove them.")
	return nil
}
