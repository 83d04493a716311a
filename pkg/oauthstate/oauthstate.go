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

// Package oauthstate implements the setup-flow state machine: one
// row per browser round-trip, created at /setup, consumed exactly once at
// the provider's callback, and finalized as completed or failed.
package oauthstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/store"
)

// TTL is the lifetime of a state token.
const TTL = 10 * time.Minute

// entropyBytes yields 128 bits of randomness in the token.
const entropyBytes = 16

type Machine struct {
	db store.OAuthStates
}

func New(db store.OAuthStates) *Machine {
	return &Machine{db: db}
}

// Create mints a new state token and inserts it Pending.
func (m *Machine) Create(ctx context.Context, provider store.Provider, instanceURL *string) (*store.OAuthState, error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("oauthstate: generating token: %w", err)
	}
	now := time.Now().UTC()
	s := &store.OAuthState{
		State:       token,
		Provider:    provider,
		InstanceURL: instanceURL,
		Status:      store.OAuthStatePending,
		ExpiresAt:   now.Add(TTL),
		CreatedAt:   now,
	}
	if err := m.db.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("oauthstate: creating state: %w", err)
	}
	return s, nil
}

// Consume performs the single-use Pending→Consumed transition. Concurrent
// callers racing the same token see exactly one success; the rest get
// ciorrors KindNotFound (token already consumed, expired, or provider
// mismatch — these are indistinguishable to the caller by design, since
// all three should produce the same "invalid or expired" user message).
func (m *Machine) Consume(ctx context.Context, token string, provider store.Provider) error {
	if err := m.db.Consume(ctx, token, provider, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ciorrors.New(ciorrors.KindNotFound, "setup link is invalid or has expired")
		}
		return fmt.Errorf("oauthstate: consuming state: %w", err)
	}
	return nil
}

// MarkCompleted records the terminal success outcome. appID/appName are
// repurposed as GitLab user id/username on GitLab flows.
func (m *Machine) MarkCompleted(ctx context.Context, token, appID, appName string) error {
	if err := m.db.MarkCompleted(ctx, token, appID, appName, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ciorrors.New(ciorrors.KindNotFound, "setup state not found")
		}
		return fmt.Errorf("oauthstate: marking completed: %w", err)
	}
	return nil
}

func (m *Machine) MarkFailed(ctx context.Context, token, message string) error {
	if err := m.db.MarkFailed(ctx, token, message); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ciorrors.New(ciorrors.KindNotFound, "setup state not found")
		}
		return fmt.Errorf("oauthstate: marking failed: %w", err)
	}
	return nil
}

// Status returns the current row, with Expired() already folded into its
// Status field by the store layer. Used by the CLI polling endpoint,
// whose only authorization is possession of the token itself.
func (m *Machine) Status(ctx context.Context, token string) (*store.OAuthState, error) {
	s, err := m.db.Get(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ciorrors.New(ciorrors.KindNotFound, "setup state not found")
		}
		return nil, fmt.Errorf("oauthstate: loading state: %w", err)
	}
	return s, nil
}

func randomToken() (string, error) {
	b := make([]byte, entropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
