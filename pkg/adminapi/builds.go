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

package adminapi

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/oore/oored/pkg/ids"
	"github.com/oore/oored/pkg/store"
)

func (s *Server) handleBuildsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	builds, err := s.builds.List(r.Context(), r.URL.Query().Get("repo"))
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

// handleBuildsItem dispatches everything under
// /api/builds/{id}[/cancel|/steps|/logs|/logs/content|/artifacts|/artifacts/{artifact_id}].
func (s *Server) handleBuildsItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/builds/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if !ids.Valid(id) {
		writeError(w, http.StatusBadRequest, "malformed build id")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.getBuild(w, r, id)
		return
	}

	switch {
	case parts[1] == "cancel":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.cancelBuild(w, r, id)
	case parts[1] == "steps":
		s.buildSteps(w, r, id)
	case parts[1] == "logs":
		s.buildLogs(w, r, id)
	case parts[1] == "logs/content":
		s.buildLogContent(w, r, id)
	case parts[1] == "artifacts":
		s.buildArtifacts(w, r, id)
	case strings.HasPrefix(parts[1], "artifacts/"):
		artifactID := strings.TrimPrefix(parts[1], "artifacts/")
		s.downloadArtifact(w, r, id, artifactID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request, id string) {
	build, err := s.builds.Get(r.Context(), id)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

type cancelBuildResponse struct {
	Status string `json:"status"`
}

// cancelBuild only accepts Pending/Running builds; anything else is a
// 400, not a 409, since the caller's request was simply inapplicable
// rather than racing a conflicting write.
func (s *Server) cancelBuild(w http.ResponseWriter, r *http.Request, id string) {
	build, err := s.builds.Get(r.Context(), id)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	if build.Status != store.BuildPending && build.Status != store.BuildRunning {
		writeError(w, http.StatusBadRequest, "can only cancel pending or running builds")
		return
	}
	if err := s.scheduler.Cancel(r.Context(), id); err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelBuildResponse{Status: "cancelled"})
}

func (s *Server) buildSteps(w http.ResponseWriter, r *http.Request, buildID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	steps, err := s.steps.List(r.Context(), buildID)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// buildLogs lists the stdout/stderr pointer rows, optionally filtered to
// one step index.
func (s *Server) buildLogs(w http.ResponseWriter, r *http.Request, buildID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rows, err := s.logs.List(r.Context(), buildID)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	if stepParam := r.URL.Query().Get("step"); stepParam != "" {
		step, err := strconv.Atoi(stepParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "step must be an integer")
			return
		}
		filtered := rows[:0]
		for _, row := range rows {
			if row.StepIndex == step {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	writeJSON(w, http.StatusOK, rows)
}

type logContentEntry struct {
	StepIndex int             `json:"step_index"`
	Stream    store.LogStream `json:"stream"`
	Content   string          `json:"content"`
	LineCount int             `json:"line_count"`
}

// buildLogContent reads the actual on-disk log files. A file that has
// gone missing (e.g. workspace cleanup raced a read) is tolerated as
// empty content rather than surfaced as an error — the pointer row is
// still the authoritative record of what ran.
func (s *Server) buildLogContent(w http.ResponseWriter, r *http.Request, buildID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rows, err := s.logs.List(r.Context(), buildID)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	var stepFilter *int
	if stepParam := r.URL.Query().Get("step"); stepParam != "" {
		step, err := strconv.Atoi(stepParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "step must be an integer")
			return
		}
		stepFilter = &step
	}

	entries := make([]logContentEntry, 0, len(rows))
	for _, row := range rows {
		if stepFilter != nil && row.StepIndex != *stepFilter {
			continue
		}
		content, err := readLogFile(row.LogFilePath)
		if err != nil {
			writeHandlerError(w, err)
			return
		}
		entries = append(entries, logContentEntry{
			StepIndex: row.StepIndex,
			Stream:    row.Stream,
			Content:   content,
			LineCount: row.LineCount,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func readLogFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return string(b), nil
}

func (s *Server) buildArtifacts(w http.ResponseWriter, r *http.Request, buildID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	artifacts, err := s.artifacts.List(r.Context(), buildID)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// downloadArtifact streams the harvested file back as an octet-stream
// download. buildID is used only to scope the lookup to avoid leaking one
// build's artifact via another build's URL.
func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request, buildID, artifactID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	artifact, err := s.artifacts.Get(r.Context(), artifactID)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	if artifact.BuildID != buildID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	f, err := os.Open(artifact.StoragePath)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+sanitizeFilename(artifact.Name)+`"`)
	if artifact.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

// sanitizeFilename whitelists alphanumerics, ". - _" and space, collapses
// any ".." traversal sequence, and falls back to "unnamed" for an empty
// or dot-only result — the same rule the artifact model applies before a
// name is ever allowed to reach a Content-Disposition header.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "..", "_")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." {
		return "unnamed"
	}
	return out
}
