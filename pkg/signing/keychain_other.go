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

//go:build !darwin

package signing

import "context"

// Run on non-darwin hosts always fails with ErrUnsupported: the `security`
// and `codesign` tooling this package depends on doesn't exist outside
// macOS, and there's no meaningful emulation of a keychain to fall back
// to. A server that accepts iOS-signing builds must run on darwin.
func Run(ctx context.Context, buildID string, material CredentialMaterial, fn func(ctx context.Context) error) error {
	return ErrUnsupported
}
