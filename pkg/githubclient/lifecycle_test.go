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

package githubclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/oore/oored/pkg/credentials"
	"github.com/oore/oored/pkg/crypto"
	"github.com/oore/oored/pkg/store"
)

// fakeCredentials is an in-memory store.Credentials, mirroring the fake
// pkg/credentials' own tests use.
type fakeCredentials struct {
	active map[string]*store.Credential
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{active: map[string]*store.Credential{}}
}

func fakeKey(kind store.CredentialKind, owner string) string { return string(kind) + "/" + owner }

func (f *fakeCredentials) GetActive(_ context.Context, kind store.CredentialKind, ownerKey string) (*store.Credential, error) {
	c, ok := f.active[fakeKey(kind, ownerKey)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeCredentials) Rotate(_ context.Context, c *store.Credential) error {
	f.active[fakeKey(c.Kind, c.OwnerKey)] = c
	return nil
}

func (f *fakeCredentials) Delete(_ context.Context, kind store.CredentialKind, ownerKey string) error {
	delete(f.active, fakeKey(kind, ownerKey))
	return nil
}

func testRSAPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return pem.EncodeToMemory(block)
}

func TestNew_MissingAppKeyIsNotFound(t *testing.T) {
	t.Parallel()

	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{0x22}, crypto.KeySize))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	creds := credentials.New(newFakeCredentials(), cipher)

	if _, err := New(context.Background(), &Config{AppID: "123"}, creds); err == nil {
		t.Fatal("expected New() to fail when no app private key has been configured")
	}
}

func TestNew_LoadsKeyAndBuildsApp(t *testing.T) {
	t.Parallel()

	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{0x33}, crypto.KeySize))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	fake := newFakeCredentials()
	creds := credentials.New(fake, cipher)
	ctx := context.Background()

	if err := creds.Rotate(ctx, store.CredentialGitHubAppPrivateKey, "", testRSAPEM(t), ""); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	client, err := New(ctx, &Config{AppID: "123"}, creds)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if client.app == nil {
		t.Fatal("expected app to be initialized")
	}
}

func TestTokenSourceFor_CachesPerInstallation(t *testing.T) {
	t.Parallel()

	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{0x44}, crypto.KeySize))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	fake := newFakeCredentials()
	creds := credentials.New(fake, cipher)
	ctx := context.Background()
	if err := creds.Rotate(ctx, store.CredentialGitHubAppPrivateKey, "", testRSAPEM(t), ""); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	client, err := New(ctx, &Config{AppID: "123"}, creds)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts1, err := client.tokenSourceFor(ctx, "inst-1")
	if err != nil {
		t.Fatalf("tokenSourceFor: %v", err)
	}
	ts2, err := client.tokenSourceFor(ctx, "inst-1")
	if err != nil {
		t.Fatalf("tokenSourceFor: %v", err)
	}
	if ts1 != ts2 {
		t.Fatal("expected the same cached token source for the same installation id")
	}

	ts3, err := client.tokenSourceFor(ctx, "inst-2")
	if err != nil {
		t.Fatalf("tokenSourceFor: %v", err)
	}
	if ts1 == ts3 {
		t.Fatal("expected distinct token sources for distinct installation ids")
	}
}
