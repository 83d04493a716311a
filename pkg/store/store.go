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

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a write would violate a uniqueness
// constraint the caller is expected to handle (e.g. duplicate webhook
// delivery, concurrent optimistic transition).
var ErrConflict = errors.New("store: conflict")

// Repositories is the repository-integration layer's view of storage.
type Repositories interface {
	Create(ctx context.Context, r *Repository) error
	Get(ctx context.Context, id string) (*Repository, error)
	GetByNativeID(ctx context.Context, provider Provider, nativeID string) (*Repository, error)
	GetByOwnerRepo(ctx context.Context, provider Provider, owner, repoName string) (*Repository, error)
	List(ctx context.Context) ([]*Repository, error)
	Update(ctx context.Context, r *Repository) error
	Delete(ctx context.Context, id string) error
}

// WebhookEvents is the store surface used by the ingress and processor
// components.
type WebhookEvents interface {
	// Insert inserts a new event. If (provider, delivery_id) already
	// exists, Insert returns ErrConflict and the caller must treat the
	// delivery as a duplicate rather than an error.
	Insert(ctx context.Context, e *WebhookEvent) error
	Get(ctx context.Context, id string) (*WebhookEvent, error)
	ExistsDelivery(ctx context.Context, provider Provider, deliveryID string) (bool, error)
	MarkProcessed(ctx context.Context, id string, errMsg *string) error
	// ListUnprocessed supports startup recovery re-scanning.
	ListUnprocessed(ctx context.Context) ([]*WebhookEvent, error)
}

// Builds is the store surface used by the scheduler and the admin API.
type Builds interface {
	Create(ctx context.Context, b *Build) error
	Get(ctx context.Context, id string) (*Build, error)
	List(ctx context.Context, repositoryID string) ([]*Build, error)
	// TransitionToRunning performs the Pending→Running transition
	// conditioned on the current status, returning ErrConflict if the
	// row was not in Pending.
	TransitionToRunning(ctx context.Context, id string, startedAt time.Time) error
	// SetTerminal sets the final status, finished_at, and optional
	// error message. Conditioned on the row not already being terminal.
	SetTerminal(ctx context.Context, id string, status BuildStatus, finishedAt time.Time, errMsg *string) error
	SetWorkflow(ctx context.Context, id, workflowName string, configSource ConfigSource) error
	// ListRunning and ListPending back startup recovery.
	ListRunning(ctx context.Context) ([]*Build, error)
	ListPending(ctx context.Context) ([]*Build, error)
}

// BuildSteps is the store surface for per-step rows.
type BuildSteps interface {
	InsertBatch(ctx context.Context, steps []*BuildStep) error
	List(ctx context.Context, buildID string) ([]*BuildStep, error)
	TransitionToRunning(ctx context.Context, id string, startedAt time.Time) error
	SetTerminal(ctx context.Context, id string, status StepStatus, exitCode *int, finishedAt time.Time) error
	SkipRemaining(ctx context.Context, buildID string, fromIndex int) error
}

// BuildLogs is the store surface for log-file pointer rows.
type BuildLogs interface {
	Upsert(ctx context.Context, l *BuildLog) error
	List(ctx context.Context, buildID string) ([]*BuildLog, error)
}

// BuildArtifacts is the store surface for harvested artifact rows.
type BuildArtifacts interface {
	Insert(ctx context.Context, a *BuildArtifact) error
	List(ctx context.Context, buildID string) ([]*BuildArtifact, error)
	Get(ctx context.Context, id string) (*BuildArtifact, error)
}

// PipelineConfigs is the store surface for stored pipeline documents.
type PipelineConfigs interface {
	// UpsertActive deactivates any existing active config for the
	// repository and inserts/updates the given one as active, within a
	// single transaction, keyed by (repository_id, name).
	UpsertActive(ctx context.Context, c *PipelineConfig) error
	GetActive(ctx context.Context, repositoryID string) (*PipelineConfig, error)
}

// Credentials is the store surface for opaque encrypted rows.
type Credentials interface {
	// GetActive returns the single active credential of kind for
	// ownerKey, or ErrNotFound.
	GetActive(ctx context.Context, kind CredentialKind, ownerKey string) (*Credential, error)
	// Rotate deactivates the current active row (if any) for
	// (kind, ownerKey) and inserts the replacement as active, atomically.
	Rotate(ctx context.Context, c *Credential) error
	Delete(ctx context.Context, kind CredentialKind, ownerKey string) error
}

// OAuthStates is the store surface for the setup-flow state machine.
type OAuthStates interface {
	Create(ctx context.Context, s *OAuthState) error
	Get(ctx context.Context, state string) (*OAuthState, error)
	// Consume atomically transitions Pending→Consumed, verifying
	// provider matches. Returns ErrConflict if already consumed/expired
	// or the provider doesn't match.
	Consume(ctx context.Context, state string, provider Provider, consumedAt time.Time) error
	MarkCompleted(ctx context.Context, state, appID, appName string, completedAt time.Time) error
	MarkFailed(ctx context.Context, state, errMsg string) error
}

