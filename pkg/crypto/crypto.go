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

// Package crypto implements the AEAD envelope, MAC, and constant-time
// comparisons the rest of the core depends on for credential-at-rest
// protection. The associated data binds every ciphertext to the
// table and row it was written for, so a ciphertext copied between rows by
// an attacker with DB-write access fails to decrypt rather than silently
// deserializing into the wrong secret.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length, in bytes, of the root encryption key.
const KeySize = chacha20poly1305.KeySize // 32

// ErrDecryptFailed is returned uniformly for any decryption failure —
// authentication tag mismatch, AAD mismatch, or malformed ciphertext are
// all indistinguishable to the caller by design.
var ErrDecryptFailed = fmt.Errorf("crypto: decryption failed")

// Cipher encrypts and decrypts credential rows with per-row associated
// data. The zero value is not usable; construct with NewCipher.
type Cipher struct {
	aead chacha20poly1305.AEAD
}

// NewCipher constructs a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to construct AEAD: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// LoadKey decodes a 32-byte key from a base64 or hex encoded environment
// value. Base64 (standard or URL-safe) is tried first, then hex.
func LoadKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("crypto: encryption key is empty")
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(raw); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := hex.DecodeString(raw); err == nil && len(b) == KeySize {
		return b, nil
	}
	return nil, fmt.Errorf("crypto: ENCRYPTION_KEY must decode (base64 or hex) to exactly %d bytes", KeySize)
}

// associatedData builds the exact "<table>:<row_id>" AAD string every
// envelope binds its ciphertext to.
func associatedData(table, rowID string) []byte {
	return []byte(table + ":" + rowID)
}

// Encrypt seals plaintext, binding it to table and rowID via AAD. Returns
// the ciphertext (with the authentication tag appended, as produced by the
// AEAD) and the nonce used.
func (c *Cipher) Encrypt(plaintext []byte, table, rowID string) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}
	ciphertext = c.aead.Seal(nil, nonce, plaintext, associatedData(table, rowID))
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext previously produced by Encrypt for the same
// table and rowID. Any mismatch — wrong key, wrong nonce, wrong AAD,
// corrupted ciphertext — returns ErrDecryptFailed without distinguishing
// the cause.
func (c *Cipher) Decrypt(ciphertext, nonce []byte, table, rowID string) ([]byte, error) {
	if len(nonce) != c.aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, associatedData(table, rowID))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// MAC computes HMAC-SHA256(pepper, token), hex encoded. Used for the
// GitLab per-repository webhook token fingerprint.
func MAC(pepper, token string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// ConstantTimeEqual compares two strings without leaking timing
// information about their lengths or the position of the first differing
// byte. Used for admin bearer-token comparison and MAC verification.
// Hashing to a fixed width first means subtle.ConstantTimeCompare never
// sees operands of different length, which would otherwise short-circuit.
func ConstantTimeEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}
