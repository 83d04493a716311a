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

// Package webhookprocessor drains the webhook ingress queue, resolving
// each raw delivery into a Build row, and handing the
// build off to the build processor. A delivery that can't be resolved into
// a build (unsupported event, unknown repository, malformed payload) is
// still marked processed with an error message so it never becomes a
// poison pill that blocks the queue forever; a delivery that fails after
// that point (build creation, enqueue) is left unprocessed so startup
// recovery retries it.
package webhookprocessor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/ids"
	"github.com/oore/oored/pkg/store"
)

// Processor drains webhook events and turns them into builds.
type Processor struct {
	events store.WebhookEvents
	repos  store.Repositories
	builds store.Builds

	// buildQueue hands off newly created build ids to the build
	// processor. Unlike the webhook ingress queue, a full buildQueue is
	// not a caller-visible error: Process blocks on the send, since
	// there's no HTTP client waiting on the other end to receive a 503.
	buildQueue chan<- string
}

// Options bundles Processor's dependencies.
type Options struct {
	Events     store.WebhookEvents
	Repos      store.Repositories
	Builds     store.Builds
	BuildQueue chan<- string
}

func New(opts *Options) (*Processor, error) {
	if opts.Events == nil || opts.Repos == nil || opts.Builds == nil || opts.BuildQueue == nil {
		return nil, fmt.Errorf("webhookprocessor: Events, Repos, Builds, and BuildQueue are all required")
	}
	return &Processor{events: opts.Events, repos: opts.Repos, builds: opts.Builds, buildQueue: opts.BuildQueue}, nil
}

// Run drains ids off eventQueue until ctx is cancelled or the channel is
// closed. Each event is processed independently; a failure on one event
// never stops the loop.
func (p *Processor) Run(ctx context.Context, eventQueue <-chan string) {
	logger := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-eventQueue:
			if !ok {
				return
			}
			if err := p.Process(ctx, id); err != nil {
				logger.ErrorContext(ctx, "failed to process webhook event", "event_id", id, "error", err)
			}
		}
	}
}

// Process resolves one webhook event into a build.
func (p *Processor) Process(ctx context.Context, eventID string) error {
	logger := logging.FromContext(ctx)

	event, err := p.events.Get(ctx, eventID)
	if err != nil {
		return fmt.Errorf("webhookprocessor: loading event %s: %w", eventID, err)
	}
	if event.Processed {
		return nil
	}

	resolved, err := resolve(event)
	if err != nil {
		logger.WarnContext(ctx, "webhook event could not be resolved to a build", "event_id", eventID, "error", err)
		msg := err.Error()
		if markErr := p.events.MarkProcessed(ctx, eventID, &msg); markErr != nil {
			return fmt.Errorf("webhookprocessor: marking unresolvable event %s processed: %w", eventID, markErr)
		}
		return nil
	}
	if resolved == nil {
		// Recognized-but-ignored event (e.g. a ping); nothing to build.
		return p.events.MarkProcessed(ctx, eventID, nil)
	}

	repo, err := p.resolveRepository(ctx, event, resolved)
	if err != nil {
		logger.WarnContext(ctx, "webhook event references an unknown repository", "event_id", eventID, "error", err)
		msg := err.Error()
		if markErr := p.events.MarkProcessed(ctx, eventID, &msg); markErr != nil {
			return fmt.Errorf("webhookprocessor: marking event %s processed: %w", eventID, markErr)
		}
		return nil
	}

	build := &store.Build{
		ID:             ids.New(),
		RepositoryID:   repo.ID,
		WebhookEventID: &event.ID,
		CommitSHA:      resolved.CommitSHA,
		Branch:         resolved.Branch,
		TriggerType:    resolved.Trigger,
		Status:         store.BuildPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.builds.Create(ctx, build); err != nil {
		return fmt.Errorf("webhookprocessor: creating build for event %s: %w", eventID, err)
	}

	select {
	case p.buildQueue <- build.ID:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.events.MarkProcessed(ctx, eventID, nil); err != nil {
		return fmt.Errorf("webhookprocessor: marking event %s processed: %w", eventID, err)
	}
	return nil
}

func (p *Processor) resolveRepository(ctx context.Context, event *store.WebhookEvent, r *resolvedEvent) (*store.Repository, error) {
	if event.RepositoryID != nil {
		return p.repos.Get(ctx, *event.RepositoryID)
	}
	if r.NativeRepoID != "" {
		repo, err := p.repos.GetByNativeID(ctx, event.Provider, r.NativeRepoID)
		if err == nil {
			return repo, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if r.Owner != "" && r.RepoName != "" {
		return p.repos.GetByOwnerRepo(ctx, event.Provider, r.Owner, r.RepoName)
	}
	return nil, fmt.Errorf("webhookprocessor: no repository reference in payload for event %s", event.ID)
}

// resolvedEvent is what's left after parsing event_type + payload, before
// the repository lookup.
type resolvedEvent struct {
	Trigger      store.TriggerType
	CommitSHA    string
	Branch       string
	NativeRepoID string
	Owner        string
	RepoName     string
}

// resolve maps (provider, event_type, payload) to a resolvedEvent. A nil,
// nil return means the event is recognized but carries no build (e.g. a
// GitHub ping); a non-nil error means the event type or payload shape is
// not one this server knows how to build from.
func resolve(event *store.WebhookEvent) (*resolvedEvent, error) {
	switch event.Provider {
	case store.ProviderGitHub:
		return resolveGitHub(event)
	case store.ProviderGitLab:
		return resolveGitLab(event)
	default:
		return nil, fmt.Errorf("unsupported provider %q", event.Provider)
	}
}

func resolveGitHub(event *store.WebhookEvent) (*resolvedEvent, error) {
	switch event.EventType {
	case "push":
		var payload struct {
			Ref        string `json:"ref"`
			After      string `json:"after"`
			Repository struct {
				ID       json.Number `json:"id"`
				Name     string      `json:"name"`
				FullName string      `json:"full_name"`
				Owner    struct {
					Login string `json:"login"`
				} `json:"owner"`
			} `json:"repository"`
		}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, fmt.Errorf("malformed github push payload: %w", err)
		}
		if strings.HasPrefix(payload.Ref, "refs/tags/") {
			return nil, nil
		}
		return &resolvedEvent{
			Trigger:      store.TriggerPush,
			CommitSHA:    payload.After,
			Branch:       strings.TrimPrefix(payload.Ref, "refs/heads/"),
			NativeRepoID: payload.Repository.ID.String(),
			Owner:        payload.Repository.Owner.Login,
			RepoName:     payload.Repository.Name,
		}, nil
	case "pull_request":
		var payload struct {
			Action      string `json:"action"`
			PullRequest struct {
				Head struct {
					SHA string `json:"sha"`
					Ref string `json:"ref"`
				} `json:"head"`
			} `json:"pull_request"`
			Repository struct {
				ID    json.Number `json:"id"`
				Name  string      `json:"name"`
				Owner struct {
					Login string `json:"login"`
				} `json:"owner"`
			} `json:"repository"`
		}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, fmt.Errorf("malformed github pull_request payload: %w", err)
		}
		if !relevantPullRequestAction(payload.Action) {
			return nil, nil
		}
		return &resolvedEvent{
			Trigger:      store.TriggerPullRequest,
			CommitSHA:    payload.PullRequest.Head.SHA,
			Branch:       payload.PullRequest.Head.Ref,
			NativeRepoID: payload.Repository.ID.String(),
			Owner:        payload.Repository.Owner.Login,
			RepoName:     payload.Repository.Name,
		}, nil
	case "ping":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported github event type %q", event.EventType)
	}
}

func relevantPullRequestAction(action string) bool {
	switch action {
	case "opened", "synchronize", "reopened":
		return true
	default:
		return false
	}
}

func resolveGitLab(event *store.WebhookEvent) (*resolvedEvent, error) {
	switch event.EventType {
	case "Push Hook":
		var payload struct {
			Ref         string      `json:"ref"`
			CheckoutSHA string      `json:"checkout_sha"`
			Project     struct {
				ID                json.Number `json:"id"`
				Name              string      `json:"name"`
				PathWithNamespace string      `json:"path_with_namespace"`
			} `json:"project"`
		}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, fmt.Errorf("malformed gitlab push payload: %w", err)
		}
		if payload.CheckoutSHA == "" {
			// A branch deletion push carries a null checkout_sha; nothing to build.
			return nil, nil
		}
		owner, name := splitNamespace(payload.Project.PathWithNamespace)
		return &resolvedEvent{
			Trigger:      store.TriggerPush,
			CommitSHA:    payload.CheckoutSHA,
			Branch:       strings.TrimPrefix(payload.Ref, "refs/heads/"),
			NativeRepoID: payload.Project.ID.String(),
			Owner:        owner,
			RepoName:     name,
		}, nil
	case "Merge Request Hook":
		var payload struct {
			Project struct {
				ID                json.Number `json:"id"`
				PathWithNamespace string      `json:"path_with_namespace"`
			} `json:"project"`
			ObjectAttributes struct {
				SourceBranch string `json:"source_branch"`
				Action       string `json:"action"`
				LastCommit   struct {
					ID string `json:"id"`
				} `json:"last_commit"`
			} `json:"object_attributes"`
		}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, fmt.Errorf("malformed gitlab merge_request payload: %w", err)
		}
		if !relevantMergeRequestAction(payload.ObjectAttributes.Action) {
			return nil, nil
		}
		owner, name := splitNamespace(payload.Project.PathWithNamespace)
		return &resolvedEvent{
			Trigger:      store.TriggerMergeRequest,
			CommitSHA:    payload.ObjectAttributes.LastCommit.ID,
			Branch:       payload.ObjectAttributes.SourceBranch,
			NativeRepoID: payload.Project.ID.String(),
			Owner:        owner,
			RepoName:     name,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported gitlab event type %q", event.EventType)
	}
}

func relevantMergeRequestAction(action string) bool {
	switch action {
	case "open", "reopen", "update":
		return true
	default:
		return false
	}
}

func splitNamespace(pathWithNamespace string) (owner, name string) {
	idx := strings.LastIndex(pathWithNamespace, "/")
	if idx < 0 {
		return "", pathWithNamespace
	}
	return pathWithNamespace[:idx], pathWithNamespace[idx+1:]
}
