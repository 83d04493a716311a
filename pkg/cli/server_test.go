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
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/testutil"
)

func TestServerCommand_RunUnstarted(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		args   []string
		env    map[string]string
		expErr string
	}{
		{
			name:   "too_many_args",
			args:   []string{"foo"},
			expErr: `unexpected arguments: ["foo"]`,
		},
		{
			name: "invalid_config_max_concurrent_builds",
			env: map[string]string{
				"OORE_MAX_CONCURRENT_BUILDS": "0",
			},
			expErr: `MAX_CONCURRENT_BUILDS must be greater than 0`,
		},
		{
			name: "invalid_config_webhook_queue_capacity",
			env: map[string]string{
				"WEBHOOK_QUEUE_CAPACITY": "0",
			},
			expErr: `WEBHOOK_QUEUE_CAPACITY must be greater than 0`,
		},
		{
			name: "happy_path",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := logging.WithLogger(t.Context(), logging.TestLogger(t))

			dbPath := filepath.Join(t.TempDir(), "oored.db")
			env := map[string]string{
				"PORT":                "0",
				"DATABASE_PATH":       dbPath,
				"OORE_WORKSPACES_DIR": t.TempDir(),
				"OORE_LOGS_DIR":       t.TempDir(),
				"OORE_ARTIFACTS_DIR":  t.TempDir(),
			}
			for k, v := range tc.env {
				env[k] = v
			}

			var cmd ServerCommand
			cmd.testFlagSetOpts = []cli.Option{cli.WithLookupEnv(envconfig.MapLookuper(env).Lookup)}
			_, _, _ = cmd.Pipe()

			srv, mux, err := cmd.RunUnstarted(ctx, tc.args)
			if diff := testutil.DiffErrString(err, tc.expErr); diff != "" {
				t.Fatal(diff)
			}
			if err != nil {
				return
			}
			defer cmd.Close()

			go func() {
				_ = srv.StartHTTPHandler(ctx, mux)
			}()

			client := &http.Client{Timeout: 5 * time.Second}
			uri := "http://" + srv.Addr() + "/healthz"
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
			if err != nil {
				t.Fatal(err)
			}

			resp, err := client.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if got, want := resp.StatusCode, http.StatusOK; got != want {
				b, _ := io.ReadAll(resp.Body)
				t.Errorf("status = %d, want %d: %s", got, want, string(b))
			}
		})
	}
}
