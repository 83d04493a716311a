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

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore/oored/pkg/crypto"
	"github.com/oore/oored/pkg/ids"
	"github.com/oore/oored/pkg/store"
)

const (
	githubSignatureHeader = "X-Hub-Signature-256"
	githubEventHeader     = "X-GitHub-Event"
	githubDeliveryHeader  = "X-GitHub-Delivery"

	gitlabTokenHeader    = "X-Gitlab-Token"
	gitlabEventHeader    = "X-Gitlab-Event"
	gitlabDeliveryHeader = "X-Gitlab-Event-UUID"
)

type apiResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// readCappedBody rejects bodies over MaxPayloadBytes with 413. The limit
// reader is sized one byte larger than the cap so a too-long body is
// detected by the extra byte showing up, rather than silently truncating.
func readCappedBody(r *http.Request) (body []byte, tooLarge bool, err error) {
	lr := io.LimitReader(r.Body, MaxPayloadBytes+1)
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, false, err
	}
	if len(b) > MaxPayloadBytes {
		return nil, true, nil
	}
	return b, false, nil
}

func deliveryFingerprint(headerValue string, body []byte) string {
	if headerValue != "" {
		return headerValue
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// handleGitHub verifies and enqueues a GitHub webhook delivery.
func (s *Server) handleGitHub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		body, tooLarge, err := readCappedBody(r)
		if err != nil {
			logger.ErrorContext(ctx, "failed to read webhook body", "error", err)
			writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Error: "failed to read body"})
			return
		}
		if tooLarge {
			writeJSON(w, http.StatusRequestEntityTooLarge, apiResponse{Status: "error", Error: "payload too large"})
			return
		}

		secret, err := s.credentials.GetActive(ctx, store.CredentialGitHubWebhookSecret, "")
		if err != nil {
			logger.ErrorContext(ctx, "no active github webhook secret configured", "error", err)
			writeJSON(w, http.StatusUnauthorized, apiResponse{Status: "error", Error: "signature verification unavailable"})
			return
		}

		signature := r.Header.Get(githubSignatureHeader)
		if !validGitHubSignature(secret, body, signature) {
			writeJSON(w, http.StatusUnauthorized, apiResponse{Status: "error", Error: "invalid signature"})
			return
		}

		eventType := r.Header.Get(githubEventHeader)
		deliveryID := deliveryFingerprint(r.Header.Get(githubDeliveryHeader), body)

		s.persistAndEnqueue(w, r, store.ProviderGitHub, nil, eventType, deliveryID, body)
	})
}

func validGitHubSignature(secret, body []byte, signature string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	got := strings.TrimPrefix(signature, prefix)
	return crypto.ConstantTimeEqual(got, want)
}

// handleGitLab verifies and enqueues a GitLab webhook delivery. The
// repository id is carried in the URL path so the pepper lookup happens
// before any payload parsing.
func (s *Server) handleGitLab() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		repoID := strings.TrimPrefix(r.URL.Path, "/api/webhooks/gitlab/")
		repoID = strings.Trim(repoID, "/")
		if repoID == "" {
			writeJSON(w, http.StatusNotFound, apiResponse{Status: "error", Error: "repository not found"})
			return
		}

		repo, err := s.repos.Get(ctx, repoID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, apiResponse{Status: "error", Error: "repository not found"})
				return
			}
			logger.ErrorContext(ctx, "failed to load repository", "error", err)
			writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Error: "internal error"})
			return
		}

		body, tooLarge, err := readCappedBody(r)
		if err != nil {
			logger.ErrorContext(ctx, "failed to read webhook body", "error", err)
			writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Error: "failed to read body"})
			return
		}
		if tooLarge {
			writeJSON(w, http.StatusRequestEntityTooLarge, apiResponse{Status: "error", Error: "payload too large"})
			return
		}

		token := r.Header.Get(gitlabTokenHeader)
		if !crypto.ConstantTimeEqual(crypto.MAC(s.pepper, token), repo.WebhookSecretFingerprint) {
			writeJSON(w, http.StatusUnauthorized, apiResponse{Status: "error", Error: "invalid token"})
			return
		}

		projectID := extractGitLabProjectID(body)
		if projectID != "" && projectID != repo.ProviderNativeID {
			writeJSON(w, http.StatusForbidden, apiResponse{Status: "error", Error: "project id mismatch"})
			return
		}

		eventType := r.Header.Get(gitlabEventHeader)
		deliveryID := deliveryFingerprint(r.Header.Get(gitlabDeliveryHeader), body)

		s.persistAndEnqueue(w, r, store.ProviderGitLab, &repo.ID, eventType, deliveryID, body)
	})
}

// extractGitLabProjectID parses just enough of the payload to read
// project.id. A malformed or missing field is treated as "no pin to
// check" rather than an error.
func extractGitLabProjectID(body []byte) string {
	var partial struct {
		Project struct {
			ID json.Number `json:"id"`
		} `json:"project"`
	}
	if err := json.Unmarshal(body, &partial); err != nil {
		return ""
	}
	return partial.Project.ID.String()
}

// persistAndEnqueue dedupes, persists, enqueues, and responds. The
// durable insert always happens-before the HTTP response and the
// enqueue.
func (s *Server) persistAndEnqueue(w http.ResponseWriter, r *http.Request, provider store.Provider, repositoryID *string, eventType, deliveryID string, body []byte) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	exists, err := s.events.ExistsDelivery(ctx, provider, deliveryID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to check delivery existence", "error", err)
		writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Error: "internal error"})
		return
	}
	if exists {
		writeJSON(w, http.StatusOK, apiResponse{Status: "duplicate"})
		return
	}

	event := &store.WebhookEvent{
		ID:           ids.New(),
		RepositoryID: repositoryID,
		Provider:     provider,
		EventType:    eventType,
		DeliveryID:   deliveryID,
		Payload:      body,
		Processed:    false,
		ReceivedAt:   time.Now().UTC(),
	}
	if err := s.events.Insert(ctx, event); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeJSON(w, http.StatusOK, apiResponse{Status: "duplicate"})
			return
		}
		logger.ErrorContext(ctx, "failed to persist webhook event", "error", err)
		writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Error: "internal error"})
		return
	}

	select {
	case s.queue <- event.ID:
		writeJSON(w, http.StatusAccepted, apiResponse{Status: "accepted", ID: event.ID})
	default:
		logger.WarnContext(ctx, "webhook queue saturated, deferring to startup recovery", "event_id", event.ID)
		writeJSON(w, http.StatusServiceUnavailable, apiResponse{Status: "queued_for_recovery", ID: event.ID})
	}
}
