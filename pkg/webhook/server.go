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

// Package webhook is the public ingress surface for GitHub and GitLab
// webhook deliveries. It never blocks on downstream processing: the
// durable insert happens-before the HTTP response, and events are handed
// to the webhook processor over a bounded, non-blocking channel.
package webhook

import (
	"context"
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/credentials"
	"github.com/oore/oored/pkg/store"
	"github.com/oore/oored/pkg/version"
)

// MaxPayloadBytes is the cap on webhook body size; bodies over this size
// are rejected with 413 before any further processing.
const MaxPayloadBytes = 25 * 1024 * 1024

// Server handles incoming webhook HTTP requests.
type Server struct {
	credentials *credentials.Store
	repos       store.Repositories
	events      store.WebhookEvents
	queue       chan<- string
	pepper      string
}

// Options bundles NewServer's dependencies.
type Options struct {
	Credentials *credentials.Store
	Repos       store.Repositories
	Events      store.WebhookEvents
	// Queue is the bounded channel events are handed to the webhook
	// processor on; a full queue turns into a 503 to the caller.
	Queue chan<- string
	// Pepper is the server-wide GitLab token pepper (GITLAB_SERVER_PEPPER).
	Pepper string
}

// NewServer creates a webhook ingress server.
func NewServer(ctx context.Context, opts *Options) (*Server, error) {
	if opts.Credentials == nil || opts.Repos == nil || opts.Events == nil || opts.Queue == nil {
		return nil, fmt.Errorf("webhook: Credentials, Repos, Events, and Queue are all required")
	}
	return &Server{
		credentials: opts.Credentials,
		repos:       opts.Repos,
		events:      opts.Events,
		queue:       opts.Queue,
		pepper:      opts.Pepper,
	}, nil
}

// Routes builds the ServeMux this server answers on.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/api/webhooks/github", s.handleGitHub())
	mux.Handle("/api/webhooks/gitlab/", s.handleGitLab())
	mux.Handle("/version", s.handleVersion())

	return logging.HTTPInterceptor(logger, "oored")(mux)
}

func (s *Server) handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":%q}`+"\n", version.HumanVersion)
	})
}
