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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/abcxyz/pkg/cli"
)

var _ cli.Command = (*BuildLogsCommand)(nil)

// BuildLogsCommand is a thin admin-API client mirroring `oore build
// logs`, with --follow added as a polling convenience on top of the
// one-shot fetch.
type BuildLogsCommand struct {
	cli.BaseCommand

	flagServer string
	flagToken  string
	flagStep   int
	flagFollow bool
}

func (c *BuildLogsCommand) Desc() string { return `Print a build's step logs from a running server` }
func (c *BuildLogsCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] <build-id>

  Fetch and print /api/builds/<id>/logs/content?step=N from a running
  oored server. --follow re-polls every second until the build reaches a
  terminal state.
`
}

func (c *BuildLogsCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet()
	f := set.NewSection("BUILD LOGS OPTIONS")
	f.StringVar(&cli.StringVar{
		Name:    "server",
		Target:  &c.flagServer,
		EnvVar:  "OORE_SERVER",
		Default: "http://localhost:8080",
		Usage:   `Base URL of the running oored server.`,
	})
	f.StringVar(&cli.StringVar{
		Name:   "token",
		Target: &c.flagToken,
		EnvVar: "OORE_ADMIN_TOKEN",
		Usage:  `Admin bearer token.`,
	})
	f.IntVar(&cli.IntVar{
		Name:    "step",
		Target:  &c.flagStep,
		Default: 0,
		Usage:   `Step index to print logs for.`,
	})
	f.BoolVar(&cli.BoolVar{
		Name:   "follow",
		Target: &c.flagFollow,
		Usage:  `Keep polling until the build finishes.`,
	})
	return set
}

type buildLogContentResponse struct {
	StepIndex int    `json:"step_index"`
	Stream    string `json:"stream"`
	Content   string `json:"content"`
	LineCount int    `json:"line_count"`
}

type buildSummaryResponse struct {
	Status string `json:"status"`
}

func (c *BuildLogsCommand) fetchJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.flagServer+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.flagToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.flagToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.flagServer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out) //nolint:wrapcheck
}

func (c *BuildLogsCommand) printOnce(ctx context.Context, buildID string) (done bool, err error) {
	var logs []buildLogContentResponse
	logPath := fmt.Sprintf("/api/builds/%s/logs/content?step=%s", url.PathEscape(buildID), strconv.Itoa(c.flagStep))
	if err := c.fetchJSON(ctx, logPath, &logs); err != nil {
		return false, err
	}
	for _, l := range logs {
		if l.Content == "" {
			continue
		}
		fmt.Fprintf(c.Stdout(), "=== Step %d %s (%d lines) ===\n%s\n\n", l.StepIndex, l.Stream, l.LineCount, l.Content)
	}

	var build buildSummaryResponse
	if err := c.fetchJSON(ctx, "/api/builds/"+url.PathEscape(buildID), &build); err != nil {
		return false, err
	}
	switch build.Status {
	case "success", "failure", "cancelled":
		return true, nil
	default:
		return false, nil
	}
}

func (c *BuildLogsCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one build id argument")
	}
	buildID := args[0]

	for {
		done, err := c.printOnce(ctx, buildID)
		if err != nil {
			return err
		}
		if done || !c.flagFollow {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck
		case <-time.After(time.Second):
		}
	}
}
