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

// Package requestid stamps every inbound HTTP request with a correlation
// id, so a single build's trail of log lines across the webhook, admin,
// and build-processor packages can be tied back together.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/abcxyz/pkg/logging"
)

// HeaderName is the response (and, if present, request) header carrying
// the correlation id.
const HeaderName = "X-Request-Id"

// Middleware assigns a fresh id to every request that doesn't already
// carry one (trusting an inbound X-Request-Id only so a caller's own
// tracing id survives a hop through this server), attaches it to the
// request's logger, and echoes it back on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderName)
		if id == "" {
			id = uuid.New().String()
		}

		ctx := r.Context()
		logger := logging.FromContext(ctx).With("request_id", id)
		ctx = logging.WithLogger(ctx, logger)

		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
