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

//go:build darwin

package signing

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/abcxyz/pkg/logging"
)

// searchListMu serializes every read-modify-write of the user keychain
// search list, a process-global macOS resource: two signing builds
// overlapping must not race setting it,
// even though the builds themselves run concurrently.
var searchListMu sync.Mutex

// Keychain is an ephemeral, per-build macOS keychain plus the
// provisioning profiles installed alongside it.
type Keychain struct {
	Path     string
	Password string
	buildID  string

	mu                 sync.Mutex
	tornDown           bool
	installedUUIDs     []string
	originalSearchList []string
}

func create(ctx context.Context, buildID string) (*Keychain, error) {
	password, err := generatePassword()
	if err != nil {
		return nil, fmt.Errorf("signing: generating keychain password: %w", err)
	}
	path := filepath.Join("/tmp", fmt.Sprintf("oore-%s.keychain-db", buildID))

	if out, err := exec.CommandContext(ctx, "security", "create-keychain", "-p", password, path).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("signing: creating keychain: %w: %s", err, out)
	}
	if out, err := exec.CommandContext(ctx, "security", "unlock-keychain", "-p", password, path).CombinedOutput(); err != nil {
		_, _ = exec.CommandContext(context.Background(), "security", "delete-keychain", path).CombinedOutput()
		return nil, fmt.Errorf("signing: unlocking keychain: %w: %s", err, out)
	}
	// Auto-lock after an hour; best-effort, not fatal.
	_, _ = exec.CommandContext(ctx, "security", "set-keychain-settings", "-t", "3600", "-u", path).CombinedOutput()

	return &Keychain{Path: path, Password: password, buildID: buildID}, nil
}

// addToSearchList snapshots the current search list and prepends this
// keychain to it, returning the snapshot for later restoration.
func (k *Keychain) addToSearchList(ctx context.Context) ([]string, error) {
	searchListMu.Lock()
	defer searchListMu.Unlock()

	out, err := exec.CommandContext(ctx, "security", "list-keychains", "-d", "user").Output()
	if err != nil {
		return nil, fmt.Errorf("signing: listing keychains: %w", err)
	}
	current := parseSearchList(string(out))

	newList := append([]string{k.Path}, current...)
	args := append([]string{"list-keychains", "-d", "user", "-s"}, newList...)
	if out, err := exec.CommandContext(ctx, "security", args...).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("signing: setting keychain search list: %w: %s", err, out)
	}
	return current, nil
}

// restoreSearchList sets the search list back to the pre-build snapshot.
// A nil/empty snapshot is treated as "nothing to restore" rather than
// clearing the list, since an empty snapshot more likely means the
// original listing failed than that the user genuinely had zero
// keychains configured.
func restoreSearchList(ctx context.Context, original []string) error {
	if len(original) == 0 {
		return nil
	}
	searchListMu.Lock()
	defer searchListMu.Unlock()

	args := append([]string{"list-keychains", "-d", "user", "-s"}, original...)
	if out, err := exec.CommandContext(ctx, "security", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("signing: restoring keychain search list: %w: %s", err, out)
	}
	return nil
}

// importCertificate imports a p12 identity with codesign/security ACL
// entries, then sets the partition list so headless codesign invocations
// don't block on a UI prompt.
func (k *Keychain) importCertificate(ctx context.Context, p12 []byte, p12Password string) error {
	f, err := os.CreateTemp("", "oore-cert-*.p12")
	if err != nil {
		return fmt.Errorf("signing: writing temp p12 file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(p12); err != nil {
		f.Close()
		return fmt.Errorf("signing: writing temp p12 file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("signing: writing temp p12 file: %w", err)
	}

	out, err := exec.CommandContext(ctx, "security", "import", f.Name(),
		"-k", k.Path,
		"-P", p12Password,
		"-T", "/usr/bin/codesign",
		"-T", "/usr/bin/security",
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("signing: importing certificate: %w: %s", err, out)
	}

	out, err = exec.CommandContext(ctx, "security", "set-key-partition-list",
		"-S", "apple-tool:,apple:,codesign:",
		"-s", "-k", k.Password, k.Path,
	).CombinedOutput()
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "signing: setting key partition list failed, codesign may still prompt", "output", string(out))
	}
	return nil
}

func provisioningProfilesDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("signing: resolving home directory: %w", err)
	}
	return filepath.Join(home, "Library", "MobileDevice", "Provisioning Profiles"), nil
}

// installProfile decodes a provisioning profile's plist to find its UUID,
// then copies it into the standard install location under that name.
func (k *Keychain) installProfile(ctx context.Context, data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "oore-profile-*.mobileprovision")
	if err != nil {
		return "", fmt.Errorf("signing: writing temp profile file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("signing: writing temp profile file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("signing: writing temp profile file: %w", err)
	}

	out, err := exec.CommandContext(ctx, "security", "cms", "-D", "-i", tmp.Name()).Output()
	if err != nil {
		return "", fmt.Errorf("signing: decoding provisioning profile: %w", err)
	}
	uuid, err := extractProfileUUID(string(out))
	if err != nil {
		return "", err
	}

	dir, err := provisioningProfilesDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("signing: creating provisioning profiles directory: %w", err)
	}
	dest := filepath.Join(dir, uuid+".mobileprovision")
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("signing: installing provisioning profile: %w", err)
	}

	k.mu.Lock()
	k.installedUUIDs = append(k.installedUUIDs, uuid)
	k.mu.Unlock()
	return uuid, nil
}

// teardown reverses every step of the lifecycle. It's
// idempotent and tolerant of already-missing state: a second call, or a
// call after a partial failure, must not itself fail the build.
func (k *Keychain) teardown(ctx context.Context) error {
	k.mu.Lock()
	if k.tornDown {
		k.mu.Unlock()
		return nil
	}
	k.tornDown = true
	uuids := k.installedUUIDs
	original := k.originalSearchList
	k.mu.Unlock()

	logger := logging.FromContext(ctx)

	dir, dirErr := provisioningProfilesDir()
	if dirErr == nil {
		for _, uuid := range uuids {
			path := filepath.Join(dir, uuid+".mobileprovision")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.WarnContext(ctx, "signing: failed to remove provisioning profile during teardown", "uuid", uuid, "error", err)
			}
		}
	}

	if err := restoreSearchList(ctx, original); err != nil {
		logger.WarnContext(ctx, "signing: failed to restore keychain search list during teardown", "error", err)
	}

	// Deleting the keychain also drops it from the search list, so this
	// is safe even if restoreSearchList above failed or was skipped.
	if out, err := exec.CommandContext(ctx, "security", "delete-keychain", k.Path).CombinedOutput(); err != nil {
		if _, statErr := os.Stat(k.Path); os.IsNotExist(statErr) {
			return nil
		}
		logger.WarnContext(ctx, "signing: failed to delete ephemeral keychain during teardown", "path", k.Path, "output", string(out))
	}
	return nil
}

// Run brackets fn with the full ephemeral keychain lifecycle: create and unlock an
// ephemeral keychain, prepend it to the search list, import the p12
// identity and provisioning profiles in material, invoke fn, then tear
// everything down in reverse — guaranteed by the deferred teardown below,
// which runs on every exit path out of fn including a panic, a
// cancelled/timed-out ctx, or a returned error. Teardown always runs
// exactly once per Run call.
func Run(ctx context.Context, buildID string, material CredentialMaterial, fn func(ctx context.Context) error) (err error) {
	kc, err := create(ctx, buildID)
	if err != nil {
		return err
	}

	defer func() {
		// Teardown must happen even if ctx is already cancelled/expired
		// (build timeout, cancellation) or the keychain outlives the
		// caller's deadline; detach from ctx's cancellation while still
		// carrying its logger.
		teardownCtx := logging.WithLogger(context.Background(), logging.FromContext(ctx))
		if tderr := kc.teardown(teardownCtx); tderr != nil && err == nil {
			err = tderr
		}
	}()

	original, err := kc.addToSearchList(ctx)
	if err != nil {
		return err
	}
	kc.originalSearchList = original

	if len(material.P12) > 0 {
		if err := kc.importCertificate(ctx, material.P12, material.P12Password); err != nil {
			return err
		}
	}
	for _, profile := range material.Profiles {
		if _, err := kc.installProfile(ctx, profile); err != nil {
			return err
		}
	}

	return fn(ctx)
}
