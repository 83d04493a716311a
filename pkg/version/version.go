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

// Package version contains build-time version information, populated via
// -ldflags by the release process. The zero values are used in dev builds.
package version

import "fmt"

var (
	Name    = "oored"
	Version = "source"
	Commit  = "unknown"
)

// HumanVersion is the version string rendered by the /version endpoint and
// the CLI's --version flag.
var HumanVersion = fmt.Sprintf("%s %s (%s)", Name, Version, Commit)
