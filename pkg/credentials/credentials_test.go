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

package credentials

import (
	"bytes"
	"context"
	"testing"

	"github.com/oore/oored/pkg/crypto"
	"github.com/oore/oored/pkg/store"
)

// fakeCredentials is an in-memory store.Credentials used the way the
// teacher's webhook package fakes its Datastore dependency in tests.
type fakeCredentials struct {
	active map[string]*store.Credential
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{active: map[string]*store.Credential{}}
}

func key(kind store.CredentialKind, owner string) string { return string(kind) + "/" + owner }

func (f *fakeCredentials) GetActive(_ context.Context, kind store.CredentialKind, ownerKey string) (*store.Credential, error) {
	c, ok := f.active[key(kind, ownerKey)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeCredentials) Rotate(_ context.Context, c *store.Credential) error {
	f.active[key(c.Kind, c.OwnerKey)] = c
	return nil
}

func (f *fakeCredentials) Delete(_ context.Context, kind store.CredentialKind, ownerKey string) error {
	delete(f.active, key(kind, ownerKey))
	return nil
}

func testCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	c, err := crypto.NewCipher(bytes.Repeat([]byte{0x11}, crypto.KeySize))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestRotateThenGetActive(t *testing.T) {
	t.Parallel()
	fake := newFakeCredentials()
	s := New(fake, testCipher(t))
	ctx := context.Background()

	if err := s.Rotate(ctx, store.CredentialGitHubWebhookSecret, "app-1", []byte("whsec_123"), ""); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	got, err := s.GetActive(ctx, store.CredentialGitHubWebhookSecret, "app-1")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if string(got) != "whsec_123" {
		t.Fatalf("GetActive = %q, want whsec_123", got)
	}
}

func TestRotateReplacesPriorActive(t *testing.T) {
	t.Parallel()
	fake := newFakeCredentials()
	s := New(fake, testCipher(t))
	ctx := context.Background()

	if err := s.Rotate(ctx, store.CredentialGitLabAccessToken, "https://gitlab.com", []byte("first"), ""); err != nil {
		t.Fatalf("Rotate 1: %v", err)
	}
	if err := s.Rotate(ctx, store.CredentialGitLabAccessToken, "https://gitlab.com", []byte("second"), ""); err != nil {
		t.Fatalf("Rotate 2: %v", err)
	}

	got, err := s.GetActive(ctx, store.CredentialGitLabAccessToken, "https://gitlab.com")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("GetActive = %q, want second (rotation should replace, not accumulate)", got)
	}
}

func TestGetActiveNotFound(t *testing.T) {
	t.Parallel()
	fake := newFakeCredentials()
	s := New(fake, testCipher(t))

	if _, err := s.GetActive(context.Background(), store.CredentialGitHubAppPrivateKey, "missing"); err == nil {
		t.Fatal("GetActive on missing credential should fail")
	}
}

func TestGetActiveCorruptedCiphertextFails(t *testing.T) {
	t.Parallel()
	fake := newFakeCredentials()
	s := New(fake, testCipher(t))
	ctx := context.Background()

	if err := s.Rotate(ctx, store.CredentialIOSCertificate, "team-1", []byte("p12-bytes"), ""); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	row := fake.active[key(store.CredentialIOSCertificate, "team-1")]
	row.Ciphertext[0] ^= 0xFF

	if _, err := s.GetActive(ctx, store.CredentialIOSCertificate, "team-1"); err == nil {
		t.Fatal("GetActive over tampered ciphertext should fail")
	}
}
