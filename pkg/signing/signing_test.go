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

package signing

import "testing"

func TestGeneratePassword(t *testing.T) {
	t.Parallel()

	a, err := generatePassword()
	if err != nil {
		t.Fatalf("generatePassword: %v", err)
	}
	b, err := generatePassword()
	if err != nil {
		t.Fatalf("generatePassword: %v", err)
	}
	if a == b {
		t.Fatal("expected two independently generated passwords to differ")
	}
	if len(a) < 24 {
		t.Fatalf("password %q shorter than expected", a)
	}
}

func TestParseSearchList(t *testing.T) {
	t.Parallel()

	in := "    \"/Users/ci/Library/Keychains/login.keychain-db\"\n    \"/Library/Keychains/System.keychain\"\n\n"
	got := parseSearchList(in)
	want := []string{
		"/Users/ci/Library/Keychains/login.keychain-db",
		"/Library/Keychains/System.keychain",
	}
	if len(got) != len(want) {
		t.Fatalf("parseSearchList(%q) = %v, want %v", in, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parseSearchList(%q)[%d] = %q, want %q", in, i, got[i], want[i])
		}
	}
}

func TestParseSearchList_Empty(t *testing.T) {
	t.Parallel()

	if got := parseSearchList(""); len(got) != 0 {
		t.Fatalf("parseSearchList(\"\") = %v, want empty", got)
	}
}

func TestExtractProfileUUID(t *testing.T) {
	t.Parallel()

	plist := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>AppIDName</key>
	<string>Widgets</string>
	<key>UUID</key>
	<string>ab12cd34-ef56-7890-ab12-cd34ef567890</string>
	<key>TeamIdentifier</key>
	<array>
		<string>ABCDE12345</string>
	</array>
</dict>
</plist>`

	got, err := extractProfileUUID(plist)
	if err != nil {
		t.Fatalf("extractProfileUUID: %v", err)
	}
	if got != "ab12cd34-ef56-7890-ab12-cd34ef567890" {
		t.Fatalf("extractProfileUUID = %q, want the UUID field value", got)
	}
}

func TestExtractProfileUUID_Missing(t *testing.T) {
	t.Parallel()

	if _, err := extractProfileUUID(`<dict><key>Name</key><string>x</string></dict>`); err == nil {
		t.Fatal("expected an error for a plist with no UUID field")
	}
}
