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
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/oore/oored/pkg/ciorrors"
	"github.com/oore/oored/pkg/store"
)

// installationByOwner caches the App-level lookup of which installation
// covers a given account login, since that list rarely changes and the
// build processor asks for it on every build.
type installationByOwner struct {
	mu   sync.Mutex
	byID map[string]string // owner login (as given, case-sensitive) -> installation id
}

func (c *Client) ownerInstallationID(ctx context.Context, owner string) (string, error) {
	c.ownerCacheOnce.mu.Lock()
	defer c.ownerCacheOnce.mu.Unlock()
	if c.ownerCacheOnce.byID == nil {
		c.ownerCacheOnce.byID = make(map[string]string)
	}
	if id, ok := c.ownerCacheOnce.byID[owner]; ok {
		return id, nil
	}

	installations, err := c.ListInstallations(ctx)
	if err != nil {
		return "", err
	}
	for _, inst := range installations {
		if inst.GetAccount() != nil && inst.GetAccount().GetLogin() == owner {
			id := strconv.FormatInt(inst.GetID(), 10)
			c.ownerCacheOnce.byID[owner] = id
			return id, nil
		}
	}
	return "", ciorrors.New(ciorrors.KindCredentialError, fmt.Sprintf("no github app installation found for %s", owner))
}

// TokenForRepository resolves the installation access token covering repo.
// A missing installation is a configuration error (the
// App was uninstalled, or never installed on that account); transient API
// failures bubble up as KindProviderAPIError so the caller can decide to
// fall back to an unauthenticated clone.
func (c *Client) TokenForRepository(ctx context.Context, repo *store.Repository) (string, error) {
	installationID, err := c.ownerInstallationID(ctx, repo.Owner)
	if err != nil {
		return "", err
	}
	return c.InstallationToken(ctx, installationID)
}
