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

package executor

import "regexp"

// credentialInURL matches the `https://x-access-token:<token>@host` shape
// CloneRepo injects, so clone error text never leaks the token into logs
// or a Build's error_message.
var credentialInURL = regexp.MustCompile(`https?://[^@\s]+@`)

// SanitizeError redacts embedded HTTP Basic-auth style credentials from
// error text before it reaches a log line or a persisted error message.
func SanitizeError(msg string) string {
	return credentialInURL.ReplaceAllString(msg, "https://***@")
}
