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
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/abcxyz/pkg/cli"
)

var _ cli.Command = (*InitCommand)(nil)

// InitCommand writes a local-development `.env` file: it generates
// fresh secrets and never silently overwrites an existing `.env` unless
// --force is passed.
type InitCommand struct {
	cli.BaseCommand

	flagBaseURL     string
	flagDatabaseURL string
	flagForce       bool
	flagDryRun      bool
}

func (c *InitCommand) Desc() string {
	return `Initialize a local .env file for development`
}

func (c *InitCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Write a .env file with a fresh ENCRYPTION_KEY and GITLAB_SERVER_PEPPER.
  Running this against an existing .env is a no-op unless --force is given,
  since --force regenerates the encryption key and invalidates every
  credential already stored under the old one.
`
}

func (c *InitCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet()
	f := set.NewSection("INIT OPTIONS")
	f.StringVar(&cli.StringVar{
		Name:    "base-url",
		Target:  &c.flagBaseURL,
		Default: "http://localhost:8080",
		Usage:   `Base URL used to construct webhook URLs.`,
	})
	f.StringVar(&cli.StringVar{
		Name:    "database-url",
		Target:  &c.flagDatabaseURL,
		Default: "sqlite:oore.db",
		Usage:   `SQLite database location, as "sqlite:<path>".`,
	})
	f.BoolVar(&cli.BoolVar{
		Name:   "force",
		Target: &c.flagForce,
		Usage:  `Overwrite an existing .env, regenerating its secrets.`,
	})
	f.BoolVar(&cli.BoolVar{
		Name:   "dry-run",
		Target: &c.flagDryRun,
		Usage:  `Print what would be written without creating the file.`,
	})
	return set
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func randomBase64(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (c *InitCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if args := f.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	const envPath = ".env"
	if fileExists(envPath) && !c.flagForce {
		fmt.Fprintf(c.Stdout(), "%s already exists; pass --force to regenerate it.\n", envPath)
		return nil
	}

	databasePath := strings.TrimPrefix(c.flagDatabaseURL, "sqlite:")

	encryptionKey, err := randomBase64(32)
	if err != nil {
		return err
	}
	pepper, err := randomHex(32)
	if err != nil {
		return err
	}
	adminToken, err := randomHex(32)
	if err != nil {
		return err
	}

	content := fmt.Sprintf(`OORE_BASE_URL=%s
DATABASE_PATH=%s
ENCRYPTION_KEY=%s
GITLAB_SERVER_PEPPER=%s
OORE_ADMIN_TOKEN=%s
OORE_DEV_MODE=true
`, c.flagBaseURL, databasePath, encryptionKey, pepper, adminToken)

	if c.flagDryRun {
		fmt.Fprint(c.Stdout(), content)
		return nil
	}

	if dir := filepath.Dir(envPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", envPath, err)
	}
	fmt.Fprintf(c.Stdout(), "Wrote %s\n", envPath)
	return nil
}
