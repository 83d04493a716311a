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

	"github.com/oore/oored/pkg/config"
	"github.com/oore/oored/pkg/crypto"
)

var _ cli.Command = (*ConfigValidateCommand)(nil)

// ConfigValidateCommand loads the server's environment configuration and
// reports the first problem with it, without starting anything. This
// surfaces a config problem before the daemon does, which matters since
// ENCRYPTION_KEY decoding in particular is otherwise only discovered on
// first use.
type ConfigValidateCommand struct {
	cli.BaseCommand
}

func (c *ConfigValidateCommand) Desc() string { return `Validate the server's environment configuration` }
func (c *ConfigValidateCommand) Help() string {
	return `
Usage: {{ COMMAND }}

  Load configuration from the environment and report the first problem
  found, including decoding ENCRYPTION_KEY, without starting the server.
`
}

func (c *ConfigValidateCommand) Flags() *cli.FlagSet { return cli.NewFlagSet() }

func (c *ConfigValidateCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg, err := config.NewConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.EncryptionKey != "" {
		if _, err := crypto.LoadKey(cfg.EncryptionKey); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(c.Stdout(), "warning: ENCRYPTION_KEY is unset; credential handling routes will answer 503 until it is set.")
	}

	fmt.Fprintln(c.Stdout(), "Configuration is valid.")
	return nil
}
