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

package adminapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oore/oored/pkg/adminauth"
	"github.com/oore/oored/pkg/buildproc"
	"github.com/oore/oored/pkg/credentials"
	"github.com/oore/oored/pkg/crypto"
	"github.com/oore/oored/pkg/executor"
	"github.com/oore/oored/pkg/oauthstate"
	"github.com/oore/oored/pkg/pipeline"
)

const testAdminToken = "admin-test-token"

// testHarness bundles a Server with every fake it was built from, so tests
// can both drive HTTP requests and inspect/seed store state directly.
type testHarness struct {
	server *Server
	repos  *fakeRepositories
	builds *fakeBuilds
	steps  *fakeSteps
	logs   *fakeLogs
	arts   *fakeArtifacts
	states *fakeOAuthStates
	creds  *credentials.Store
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	repos := newFakeRepositories()
	builds := newFakeBuilds()
	steps := newFakeSteps()
	logs := &fakeLogs{}
	arts := newFakeArtifacts()
	states := newFakeOAuthStates()

	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{0x42}, crypto.KeySize))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	creds := credentials.New(newFakeCredentials(), cipher)

	guard, err := adminauth.New(testAdminToken, nil, true /* devMode, so the test client needn't be https */)
	if err != nil {
		t.Fatalf("adminauth.New: %v", err)
	}

	resolver := pipeline.NewResolver(newFakePipelineConfigs())
	scheduler, err := buildproc.New(&buildproc.Options{
		Builds:               builds,
		Steps:                steps,
		Logs:                 logs,
		Artifacts:            arts,
		Repos:                repos,
		Resolver:             resolver,
		Executor:             fakeExecutor{},
		WorkspacesDir:        t.TempDir(),
		LogsDir:              t.TempDir(),
		ArtifactsDir:         t.TempDir(),
		MaxConcurrentBuilds:  1,
		MaxBuildDurationSecs: 60,
		MaxStepDurationSecs:  60,
		Queue:                make(chan string, 8),
	})
	if err != nil {
		t.Fatalf("buildproc.New: %v", err)
	}

	srv, err := New(&Options{
		Repos:        repos,
		Builds:       builds,
		Steps:        steps,
		Logs:         logs,
		Artifacts:    arts,
		Credentials:  creds,
		States:       oauthstate.New(states),
		Scheduler:    scheduler,
		GitHubConfig: nil,
		GitLab:       nil,
		Guard:        guard,
		BaseURL:      "https://oored.example",
		LogsDir:      t.TempDir(),
		ArtifactsDir: t.TempDir(),
		Pepper:       "test-pepper",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &testHarness{
		server: srv,
		repos:  repos,
		builds: builds,
		steps:  steps,
		logs:   logs,
		arts:   arts,
		states: states,
		creds:  creds,
	}
}

// do sends req through the full Routes() mux (Guard included), attaching
// the admin bearer token unless the caller already set one.
func (h *testHarness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	}
	// The Guard's HTTPS requirement is waived for a dev-mode server only
	// when the peer itself is loopback; httptest.NewRequest otherwise
	// defaults RemoteAddr to a non-loopback address.
	if req.RemoteAddr == "" || req.RemoteAddr == "192.0.2.1:1234" {
		req.RemoteAddr = "127.0.0.1:1234"
	}
	rr := httptest.NewRecorder()
	h.server.Routes(t.Context()).ServeHTTP(rr, req)
	return rr
}

var _ executor.Executor = fakeExecutor{} // compile-time interface check
