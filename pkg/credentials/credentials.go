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

// Package credentials exposes CRUD over the opaque, encrypted credential
// rows, wrapping pkg/store.Credentials with the AEAD envelope from
// pkg/crypto so that callers only ever see plaintext and never a
// ciphertext/nonce pair.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/crypto"
	"github.com/oore/oored/pkg/ids"
	"github.com/oore/oored/pkg/store"
)

// Store mediates access to one kind of credential across however many
// owners exist for it (a single GitHub App, or one GitLab OAuth app per
// instance URL).
type Store struct {
	db     store.Credentials
	cipher *crypto.Cipher
}

func New(db store.Credentials, cipher *crypto.Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

// credentialsTable is the AAD table component; it is shared across all
// credential kinds since they live in one physical table.
const credentialsTable = "credentials"

// GetActive returns the decrypted plaintext for the active credential of
// kind owned by ownerKey, or ciorrors with KindNotFound / KindCredentialError.
func (s *Store) GetActive(ctx context.Context, kind store.CredentialKind, ownerKey string) ([]byte, error) {
	row, err := s.db.GetActive(ctx, kind, ownerKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ciorrors.New(ciorrors.KindNotFound, "no active credential configured")
		}
		return nil, fmt.Errorf("credentials: loading %s/%s: %w", kind, ownerKey, err)
	}
	plaintext, err := s.cipher.Decrypt(row.Ciphertext, row.Nonce, credentialsTable, row.ID)
	if err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindCredentialError, "stored credential failed to decrypt", err)
	}
	return plaintext, nil
}

// GetActiveRow is like GetActive but also returns the row metadata (e.g.
// the non-secret GitHub App ID sidecar), for callers that need it.
func (s *Store) GetActiveRow(ctx context.Context, kind store.CredentialKind, ownerKey string) (*store.Credential, []byte, error) {
	row, err := s.db.GetActive(ctx, kind, ownerKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ciorrors.New(ciorrors.KindNotFound, "no active credential configured")
		}
		return nil, nil, fmt.Errorf("credentials: loading %s/%s: %w", kind, ownerKey, err)
	}
	plaintext, err := s.cipher.Decrypt(row.Ciphertext, row.Nonce, credentialsTable, row.ID)
	if err != nil {
		return nil, nil, ciorrors.Wrap(ciorrors.KindCredentialError, "stored credential failed to decrypt", err)
	}
	return row, plaintext, nil
}

// Rotate encrypts plaintext and atomically deactivates the prior active
// row (if any) while inserting the new one as active. The row ID is
// minted before encryption so the AAD can bind to it.
func (s *Store) Rotate(ctx context.Context, kind store.CredentialKind, ownerKey string, plaintext []byte, metadata string) error {
	row := &store.Credential{Kind: kind, OwnerKey: ownerKey, Metadata: metadata}
	row.ID = ids.New()
	ciphertext, nonce, err := s.cipher.Encrypt(plaintext, credentialsTable, row.ID)
	if err != nil {
		return ciorrors.Wrap(ciorrors.KindCredentialError, "failed to encrypt credential", err)
	}
	row.Ciphertext, row.Nonce = ciphertext, nonce
	if err := s.db.Rotate(ctx, row); err != nil {
		return fmt.Errorf("credentials: rotating %s/%s: %w", kind, ownerKey, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, kind store.CredentialKind, ownerKey string) error {
	return s.db.Delete(ctx, kind, ownerKey)
}
