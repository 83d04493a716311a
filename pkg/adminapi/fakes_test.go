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
	"context"
	"sync"
	"time"

	"github.com/oore/oored/pkg/executor"
	"github.com/oore/oored/pkg/ids"
	"github.com/oore/oored/pkg/store"
)

// Fakes below mirror the in-memory stand-ins used across the other
// per-package test files (e.g. pkg/webhook, pkg/buildproc): no sqlite, just
// enough bookkeeping to exercise the handlers' branches.

type fakeRepositories struct {
	mu    sync.Mutex
	byID  map[string]*store.Repository
	order []string
}

func newFakeRepositories() *fakeRepositories {
	return &fakeRepositories{byID: map[string]*store.Repository{}}
}

func (f *fakeRepositories) Create(_ context.Context, r *store.Repository) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == "" {
		r.ID = ids.New()
	}
	f.byID[r.ID] = r
	f.order = append(f.order, r.ID)
	return nil
}

func (f *fakeRepositories) Get(_ context.Context, id string) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRepositories) GetByNativeID(_ context.Context, provider store.Provider, nativeID string) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.byID {
		if r.Provider == provider && r.ProviderNativeID == nativeID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeRepositories) GetByOwnerRepo(_ context.Context, provider store.Provider, owner, repoName string) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.byID {
		if r.Provider == provider && r.Owner == owner && r.RepoName == repoName {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeRepositories) List(_ context.Context) ([]*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Repository, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.byID[id])
	}
	return out, nil
}

func (f *fakeRepositories) Update(_ context.Context, r *store.Repository) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[r.ID]; !ok {
		return store.ErrNotFound
	}
	f.byID[r.ID] = r
	return nil
}

func (f *fakeRepositories) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil
	}
	r.IsActive = false
	return nil
}

type fakeBuilds struct {
	mu   sync.Mutex
	byID map[string]*store.Build
}

func newFakeBuilds() *fakeBuilds { return &fakeBuilds{byID: map[string]*store.Build{}} }

func (f *fakeBuilds) put(b *store.Build) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[b.ID] = b
}

func (f *fakeBuilds) Create(_ context.Context, b *store.Build) error { f.put(b); return nil }

func (f *fakeBuilds) Get(_ context.Context, id string) (*store.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBuilds) List(_ context.Context, repositoryID string) ([]*store.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Build
	for _, b := range f.byID {
		if repositoryID == "" || b.RepositoryID == repositoryID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeBuilds) TransitionToRunning(_ context.Context, id string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	b.Status = store.BuildRunning
	b.StartedAt = &startedAt
	return nil
}

func (f *fakeBuilds) SetTerminal(_ context.Context, id string, status store.BuildStatus, finishedAt time.Time, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	b.Status = status
	b.FinishedAt = &finishedAt
	b.ErrorMessage = errMsg
	return nil
}

func (f *fakeBuilds) SetWorkflow(_ context.Context, id, workflowName string, configSource store.ConfigSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	b.WorkflowName = workflowName
	b.ConfigSource = configSource
	return nil
}

func (f *fakeBuilds) ListRunning(_ context.Context) ([]*store.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Build
	for _, b := range f.byID {
		if b.Status == store.BuildRunning {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeBuilds) ListPending(_ context.Context) ([]*store.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Build
	for _, b := range f.byID {
		if b.Status == store.BuildPending {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeSteps struct {
	mu   sync.Mutex
	byID map[string]*store.BuildStep
}

func newFakeSteps() *fakeSteps { return &fakeSteps{byID: map[string]*store.BuildStep{}} }

func (f *fakeSteps) InsertBatch(_ context.Context, steps []*store.BuildStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range steps {
		f.byID[s.ID] = s
	}
	return nil
}

func (f *fakeSteps) List(_ context.Context, buildID string) ([]*store.BuildStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.BuildStep
	for _, s := range f.byID {
		if s.BuildID == buildID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSteps) TransitionToRunning(_ context.Context, id string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = store.StepRunning
	s.StartedAt = &startedAt
	return nil
}

func (f *fakeSteps) SetTerminal(_ context.Context, id string, status store.StepStatus, exitCode *int, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = status
	s.ExitCode = exitCode
	s.FinishedAt = &finishedAt
	return nil
}

func (f *fakeSteps) SkipRemaining(_ context.Context, buildID string, fromIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byID {
		if s.BuildID == buildID && s.StepIndex >= fromIndex {
			s.Status = store.StepSkipped
		}
	}
	return nil
}

type fakeLogs struct {
	mu   sync.Mutex
	rows []*store.BuildLog
}

func (f *fakeLogs) Upsert(_ context.Context, l *store.BuildLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, l)
	return nil
}

func (f *fakeLogs) List(_ context.Context, buildID string) ([]*store.BuildLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.BuildLog
	for _, r := range f.rows {
		if r.BuildID == buildID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeArtifacts struct {
	mu       sync.Mutex
	byID     map[string]*store.BuildArtifact
	byBuild  map[string][]*store.BuildArtifact
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{byID: map[string]*store.BuildArtifact{}, byBuild: map[string][]*store.BuildArtifact{}}
}

func (f *fakeArtifacts) Insert(_ context.Context, a *store.BuildArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[a.ID] = a
	f.byBuild[a.BuildID] = append(f.byBuild[a.BuildID], a)
	return nil
}

func (f *fakeArtifacts) List(_ context.Context, buildID string) ([]*store.BuildArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byBuild[buildID], nil
}

func (f *fakeArtifacts) Get(_ context.Context, id string) (*store.BuildArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

type fakeOAuthStates struct {
	mu   sync.Mutex
	byID map[string]*store.OAuthState
}

func newFakeOAuthStates() *fakeOAuthStates {
	return &fakeOAuthStates{byID: map[string]*store.OAuthState{}}
}

func (f *fakeOAuthStates) Create(_ context.Context, s *store.OAuthState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[s.State] = s
	return nil
}

func (f *fakeOAuthStates) Get(_ context.Context, state string) (*store.OAuthState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[state]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeOAuthStates) Consume(_ context.Context, state string, provider store.Provider, consumedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[state]
	if !ok {
		return store.ErrNotFound
	}
	if s.Status != store.OAuthStatePending || s.Provider != provider {
		return store.ErrConflict
	}
	s.Status = store.OAuthStateConsumed
	return nil
}

func (f *fakeOAuthStates) MarkCompleted(_ context.Context, state, appID, appName string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[state]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = store.OAuthStateCompleted
	s.AppID = &appID
	s.AppName = &appName
	return nil
}

func (f *fakeOAuthStates) MarkFailed(_ context.Context, state, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[state]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = store.OAuthStateFailed
	s.ErrorMessage = &errMsg
	return nil
}

type fakeCredentials struct {
	mu     sync.Mutex
	active map[string]*store.Credential
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{active: map[string]*store.Credential{}}
}

func fakeCredentialKey(kind store.CredentialKind, owner string) string { return string(kind) + "/" + owner }

func (f *fakeCredentials) GetActive(_ context.Context, kind store.CredentialKind, ownerKey string) (*store.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.active[fakeCredentialKey(kind, ownerKey)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeCredentials) Rotate(_ context.Context, c *store.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[fakeCredentialKey(c.Kind, c.OwnerKey)] = c
	return nil
}

func (f *fakeCredentials) Delete(_ context.Context, kind store.CredentialKind, ownerKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, fakeCredentialKey(kind, ownerKey))
	return nil
}

// fakeExecutor never actually runs anything; the admin API tests only
// exercise the scheduler through the trigger route and Cancel, never a full run.
type fakeExecutor struct{}

func (fakeExecutor) CloneRepo(context.Context, string, string, string, string) error { return nil }
func (fakeExecutor) ExecuteStep(context.Context, executor.StepOptions) (*executor.StepResult, error) {
	return &executor.StepResult{}, nil
}
func (fakeExecutor) Cleanup(string) error { return nil }

type fakePipelineConfigs struct {
	mu      sync.Mutex
	active  map[string]*store.PipelineConfig
}

func newFakePipelineConfigs() *fakePipelineConfigs {
	return &fakePipelineConfigs{active: map[string]*store.PipelineConfig{}}
}

func (f *fakePipelineConfigs) UpsertActive(_ context.Context, c *store.PipelineConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[c.RepositoryID] = c
	return nil
}

func (f *fakePipelineConfigs) GetActive(_ context.Context, repositoryID string) (*store.PipelineConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.active[repositoryID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}
