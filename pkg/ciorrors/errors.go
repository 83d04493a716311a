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

// Package ciorrors defines the typed error kinds shared across the core so
// that a single failure can be both persisted (as a Build or WebhookEvent
// error_message) and mapped to an HTTP status at the edge, without the two
// concerns being hand-wired together at every call site.
package ciorrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories in the error handling
// design. Kinds are compared with errors.Is via (*Error).Is, never by string
// matching an error's message.
type Kind string

const (
	KindInvalidSignature   Kind = "invalid_signature"
	KindPayloadTooLarge    Kind = "payload_too_large"
	KindDuplicate          Kind = "duplicate"
	KindBackpressure       Kind = "backpressure"
	KindConfigNotFound     Kind = "config_not_found"
	KindPipelineParseError Kind = "pipeline_parse_error"
	KindNoMatchingWorkflow Kind = "no_matching_workflow"
	KindGitCloneError      Kind = "git_clone_error"
	KindBuildTimeout       Kind = "build_timeout"
	KindBuildCancelled     Kind = "build_cancelled"
	KindCredentialError    Kind = "credential_error"
	KindProviderAPIError   Kind = "provider_api_error"
	KindNotFound           Kind = "not_found"
	KindSSRFBlocked        Kind = "ssrf_blocked"
)

// Error wraps an underlying cause with a Kind, and optionally a
// user-facing Message distinct from the wrapped error's own text (the
// wrapped error may carry paths or tokens that must never reach a
// response body).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, ciorrors.New(ciorrors.KindNotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error with a user-facing message and no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that records kind and a user-facing message
// while preserving err for logging and errors.As/errors.Unwrap chains.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}
