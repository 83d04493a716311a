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

package requestid

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestMiddleware_AssignsFreshIDWhenAbsent(t *testing.T) {
	t.Parallel()

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(HeaderName)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	got := rec.Header().Get(HeaderName)
	if got == "" {
		t.Fatal("response missing X-Request-Id header")
	}
	if _, err := uuid.Parse(got); err != nil {
		t.Errorf("response header %q is not a valid uuid: %v", got, err)
	}
	// The inbound request had no header, so the handler sees none either;
	// the id is only attached to the logger and the response.
	if seen != "" {
		t.Errorf("inbound request header = %q, want empty (request wasn't mutated)", seen)
	}
}

func TestMiddleware_PreservesInboundID(t *testing.T) {
	t.Parallel()

	const want = "caller-supplied-id"
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderName, want)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(HeaderName); got != want {
		t.Errorf("response header = %q, want %q", got, want)
	}
}
