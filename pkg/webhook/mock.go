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
	"context"
	"sync"

	"github.com/oore/oored/pkg/store"
)

// fakeRepositories is an in-memory store.Repositories for tests.
type fakeRepositories struct {
	mu   sync.Mutex
	byID map[string]*store.Repository
}

func newFakeRepositories() *fakeRepositories {
	return &fakeRepositories{byID: map[string]*store.Repository{}}
}

func (f *fakeRepositories) put(r *store.Repository) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[r.ID] = r
}

func (f *fakeRepositories) Create(ctx context.Context, r *store.Repository) error {
	f.put(r)
	return nil
}

func (f *fakeRepositories) Get(ctx context.Context, id string) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeRepositories) GetByNativeID(ctx context.Context, provider store.Provider, nativeID string) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.byID {
		if r.Provider == provider && r.ProviderNativeID == nativeID {
			return r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeRepositories) GetByOwnerRepo(ctx context.Context, provider store.Provider, owner, repoName string) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.byID {
		if r.Provider == provider && r.Owner == owner && r.RepoName == repoName {
			return r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeRepositories) List(ctx context.Context) ([]*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Repository, 0, len(f.byID))
	for _, r := range f.byID {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRepositories) Update(ctx context.Context, r *store.Repository) error {
	f.put(r)
	return nil
}

func (f *fakeRepositories) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

// fakeWebhookEvents is an in-memory store.WebhookEvents for tests.
type fakeWebhookEvents struct {
	mu          sync.Mutex
	byID        map[string]*store.WebhookEvent
	deliveryKey map[string]bool
}

func newFakeWebhookEvents() *fakeWebhookEvents {
	return &fakeWebhookEvents{
		byID:        map[string]*store.WebhookEvent{},
		deliveryKey: map[string]bool{},
	}
}

func deliveryKey(provider store.Provider, deliveryID string) string {
	return string(provider) + "/" + deliveryID
}

func (f *fakeWebhookEvents) Insert(ctx context.Context, e *store.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := deliveryKey(e.Provider, e.DeliveryID)
	if f.deliveryKey[key] {
		return store.ErrConflict
	}
	f.deliveryKey[key] = true
	f.byID[e.ID] = e
	return nil
}

func (f *fakeWebhookEvents) Get(ctx context.Context, id string) (*store.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeWebhookEvents) ExistsDelivery(ctx context.Context, provider store.Provider, deliveryID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliveryKey[deliveryKey(provider, deliveryID)], nil
}

func (f *fakeWebhookEvents) MarkProcessed(ctx context.Context, id string, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Processed = true
	e.ErrorMessage = errMsg
	return nil
}

func (f *fakeWebhookEvents) ListUnprocessed(ctx context.Context) ([]*store.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.WebhookEvent
	for _, e := range f.byID {
		if !e.Processed {
			out = append(out, e)
		}
	}
	return out, nil
}
