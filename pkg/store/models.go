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

// Package store defines the persistence model and repository interfaces
// for the core, plus a SQLite-backed reference implementation. Every row
// type corresponds to one entity in the data model; IDs are ULIDs minted
// by pkg/ids.
package store

import "time"

type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

type TriggerType string

const (
	TriggerPush         TriggerType = "push"
	TriggerPullRequest  TriggerType = "pull_request"
	TriggerMergeRequest TriggerType = "merge_request"
	TriggerManual       TriggerType = "manual"
)

type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildSuccess   BuildStatus = "success"
	BuildFailure   BuildStatus = "failure"
	BuildCancelled BuildStatus = "cancelled"
)

// Terminal reports whether s is one from which no further transition is
// permitted.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildSuccess, BuildFailure, BuildCancelled:
		return true
	default:
		return false
	}
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSuccess   StepStatus = "success"
	StepFailure   StepStatus = "failure"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

type ConfigSource string

const (
	ConfigSourceRepository ConfigSource = "repository"
	ConfigSourceStored     ConfigSource = "stored"
)

type ConfigFormat string

const (
	ConfigFormatYAML ConfigFormat = "yaml"
	ConfigFormatHUML ConfigFormat = "huml"
)

type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

type OAuthStateStatus string

const (
	OAuthStatePending   OAuthStateStatus = "pending"
	OAuthStateConsumed  OAuthStateStatus = "consumed"
	OAuthStateCompleted OAuthStateStatus = "completed"
	OAuthStateFailed    OAuthStateStatus = "failed"
	OAuthStateExpired   OAuthStateStatus = "expired"
)

// Repository is a tracked source location.
type Repository struct {
	ID                       string
	Provider                 Provider
	Owner                    string
	RepoName                 string
	CloneURL                 string
	DefaultBranch            string
	IsActive                 bool
	WebhookSecretFingerprint string // GitLab only; empty for GitHub.
	ProviderNativeID         string // GitHub numeric repo id, or GitLab project id.
	GitLabInstanceURL        string // empty for GitHub.
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// WebhookEvent is an immutable receipt of an inbound webhook delivery.
type WebhookEvent struct {
	ID           string
	RepositoryID *string
	Provider     Provider
	EventType    string
	DeliveryID   string
	Payload      []byte
	Processed    bool
	ErrorMessage *string
	ReceivedAt   time.Time
}

// Build is the authoritative record of one execution.
type Build struct {
	ID              string
	RepositoryID    string
	WebhookEventID  *string
	CommitSHA       string
	Branch          string
	TriggerType     TriggerType
	Status          BuildStatus
	StartedAt       *time.Time
	FinishedAt      *time.Time
	WorkflowName    string
	ConfigSource    ConfigSource
	ErrorMessage    *string
	CreatedAt       time.Time
}

// BuildStep is one shell script execution within a build.
type BuildStep struct {
	ID             string
	BuildID        string
	StepIndex      int
	Name           string
	Script         string
	TimeoutSecs    int
	IgnoreFailure  bool
	Status         StepStatus
	ExitCode       *int
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// BuildLog points at an on-disk log file for one (step, stream) pair.
type BuildLog struct {
	ID           string
	BuildID      string
	StepIndex    int
	Stream       LogStream
	LogFilePath  string
	LineCount    int
}

// BuildArtifact is a file harvested from the workspace after a build.
type BuildArtifact struct {
	ID             string
	BuildID        string
	Name           string
	RelativePath   string
	StoragePath    string
	SizeBytes      int64
	ContentType    string
	ChecksumSHA256 string
	CreatedAt      time.Time
}

// PipelineConfig is a stored pipeline document for one repository.
type PipelineConfig struct {
	ID            string
	RepositoryID  string
	Name          string
	ConfigContent string
	ConfigFormat  ConfigFormat
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CredentialKind discriminates the opaque credential rows without
// requiring a separate table per secret type.
type CredentialKind string

const (
	CredentialGitHubAppPrivateKey  CredentialKind = "github_app_private_key"
	CredentialGitHubWebhookSecret CredentialKind = "github_webhook_secret"
	CredentialGitHubClientSecret  CredentialKind = "github_client_secret"
	CredentialGitLabAccessToken   CredentialKind = "gitlab_access_token"
	CredentialGitLabRefreshToken  CredentialKind = "gitlab_refresh_token"
	CredentialGitLabClientSecret  CredentialKind = "gitlab_oauth_client_secret"
	CredentialIOSCertificate      CredentialKind = "ios_certificate"
	CredentialAndroidKeystore     CredentialKind = "android_keystore"
	CredentialAppStoreConnectKey  CredentialKind = "app_store_connect_key"
)

// Credential is one ciphertext/nonce pair, scoped to an owner (e.g. a
// GitHub App row id, or a GitLab instance URL) and a kind.
type Credential struct {
	ID         string
	Kind       CredentialKind
	OwnerKey   string // disambiguates multiple instances of the same kind, e.g. GitLab instance URL.
	Ciphertext []byte
	Nonce      []byte
	IsActive   bool
	Metadata   string // small non-secret sidecar (e.g. GitHub App ID, client ID); never encrypted.
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OAuthState coordinates one external browser round-trip.
type OAuthState struct {
	State        string
	Provider     Provider
	InstanceURL  *string
	Status       OAuthStateStatus
	ExpiresAt    time.Time
	ConsumedAt   *time.Time
	CompletedAt  *time.Time
	AppID        *string // repurposed as GitLab user id on GitLab completions.
	AppName      *string // repurposed as GitLab username on GitLab completions.
	ErrorMessage *string
	CreatedAt    time.Time
}

// Expired reports whether the state has passed its TTL, independent of
// whatever status is stored — this must be computed at read time, not
// just at write time.
func (s OAuthState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
