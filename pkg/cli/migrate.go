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

	"github.com/abcxyz/pkg/cli"

	"github.com/oore/oored/pkg/store"
)

var _ cli.Command = (*MigrateCommand)(nil)

// MigrateCommand opens (and so migrates, since pkg/store.Open runs its
// schema migration synchronously) the database at the given path,
// without starting the server. Useful ahead of a deploy, so a schema
// problem surfaces before the service is started rather than during its
// first request.
type MigrateCommand struct {
	cli.BaseCommand

	flagDatabasePath string
}

func (c *MigrateCommand) Desc() string { return `Run pending database schema migrations` }
func (c *MigrateCommand) Help() string {
	return `
Usage: {{ COMMAND }} [--database-path path]

  Open the database, applying any pending schema migrations, then exit.
`
}

func (c *MigrateCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet()
	f := set.NewSection("MIGRATE OPTIONS")
	f.StringVar(&cli.StringVar{
		Name:    "database-path",
		Target:  &c.flagDatabasePath,
		EnvVar:  "DATABASE_PATH",
		Default: "/var/lib/oored/oored.db",
		Usage:   `Path to the SQLite database file.`,
	})
	return set
}

func (c *MigrateCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if args := f.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	db, err := store.Open(ctx, c.flagDatabasePath)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	defer db.Close()

	fmt.Fprintf(c.Stdout(), "Database at %s is up to date.\n", c.flagDatabasePath)
	return nil
}
