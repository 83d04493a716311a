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

package githubclient

import (
	"testing"

	"github.com/abcxyz/pkg/testutil"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{
			name: "enterprise_url_wrong_format",
			cfg: &Config{
				AppID:               "test-github-app-id",
				EnterpriseServerURL: "test-url",
			},
			wantErr: `GITHUB_ENTERPRISE_SERVER_URL does not start with "https://"`,
		},
		{
			name: "app_id_not_required_before_setup",
			cfg:  &Config{},
		},
		{
			name: "success",
			cfg: &Config{
				AppID: "test-github-app-id",
			},
		},
		{
			name: "success_with_enterprise_url",
			cfg: &Config{
				AppID:               "test-github-app-id",
				EnterpriseServerURL: "https://test-enterprise.com",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := t.Context()

			err := tc.cfg.Validate(ctx)
			if diff := testutil.DiffErrString(err, tc.wantErr); diff != "" {
				t.Errorf("Validate(%+v) got unexpected err: %s", tc.name, diff)
			}
		})
	}
}
