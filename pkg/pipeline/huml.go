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

package pipeline

import (
	"strconv"
	"strings"

	"github.com/oore/oored/pkg/ciorrors"
	"gopkg.in/yaml.v3"
)

// parseHUML reads the reduced HUML subset this server supports: an
// indentation-delimited tree of mappings, sequences (`- item`), and
// scalars, with `#` comments and quoted or bare scalar values. Full HUML
// (as specified by huml-lang) also has explicit per-scalar type
// annotations and block/multiline string forms; no Go library implements
// it and none exists in the wider ecosystem at the time of writing (see
// DESIGN.md), so this reader covers exactly the grammar the Pipeline
// model needs and nothing more.
//
// Rather than re-implement workflow defaulting/validation a second time,
// the parsed tree is re-serialized to YAML and handed to parseYAML, which
// is the single source of truth for the Pipeline grammar.
func parseHUML(content string) (*ParseResult, error) {
	p := &humlParser{lines: stripHUMLHeader(content)}
	tree := p.parseBlock(0)
	if p.err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindPipelineParseError, "invalid HUML: "+p.err.Error(), p.err)
	}
	yamlBytes, err := yaml.Marshal(tree)
	if err != nil {
		return nil, ciorrors.Wrap(ciorrors.KindPipelineParseError, "failed to normalize HUML document", err)
	}
	return parseYAML(string(yamlBytes))
}

func stripHUMLHeader(content string) []string {
	var out []string
	skippedMarker := false
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimRight(raw, "\r")
		if !skippedMarker && strings.TrimSpace(line) == humlMarker {
			skippedMarker = true
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// humlParser walks lines with a single cursor, so nested calls always see
// a consistent position instead of juggling recomputed slices.
type humlParser struct {
	lines []string
	pos   int
	err   error
}

func indentOf(line string) int {
	n := 0
	for _, r := range line {
		if r != ' ' {
			break
		}
		n++
	}
	return n
}

// peekIndent returns the indent of the current line, or -1 at EOF.
func (p *humlParser) peekIndent() int {
	if p.pos >= len(p.lines) {
		return -1
	}
	return indentOf(p.lines[p.pos])
}

// parseBlock parses every line at exactly indent, returning a
// map[string]any or []any depending on whether the block is a sequence.
func (p *humlParser) parseBlock(indent int) any {
	if p.peekIndent() != indent {
		return map[string]any{}
	}
	if strings.HasPrefix(strings.TrimSpace(p.lines[p.pos]), "-") {
		return p.parseSeq(indent)
	}
	return p.parseMap(indent)
}

func (p *humlParser) parseMap(indent int) map[string]any {
	result := map[string]any{}
	for p.err == nil && p.peekIndent() == indent {
		line := strings.TrimSpace(p.lines[p.pos])
		key, value, hasValue := splitHUMLPair(line)
		p.pos++
		if hasValue {
			result[key] = parseHUMLScalar(value)
			continue
		}
		if p.peekIndent() > indent {
			result[key] = p.parseBlock(p.peekIndent())
		} else {
			result[key] = nil
		}
	}
	return result
}

func (p *humlParser) parseSeq(indent int) []any {
	var result []any
	for p.err == nil && p.peekIndent() == indent {
		line := strings.TrimSpace(p.lines[p.pos])
		rest := strings.TrimSpace(strings.TrimPrefix(line, "-"))
		p.pos++

		switch {
		case rest == "":
			if p.peekIndent() > indent {
				result = append(result, p.parseBlock(p.peekIndent()))
			} else {
				result = append(result, nil)
			}
		case strings.Contains(rest, ":"):
			// `- key: value` opens an inline mapping whose first pair is
			// on the dash line itself; remaining pairs are ordinary
			// mapping lines indented to align under it.
			key, value, hasValue := splitHUMLPair(rest)
			m := map[string]any{}
			if hasValue {
				m[key] = parseHUMLScalar(value)
			} else if p.peekIndent() > indent {
				m[key] = p.parseBlock(p.peekIndent())
			}
			childIndent := indent + 2
			for p.err == nil && p.peekIndent() == childIndent {
				line := strings.TrimSpace(p.lines[p.pos])
				k, v, hv := splitHUMLPair(line)
				p.pos++
				if hv {
					m[k] = parseHUMLScalar(v)
				} else if p.peekIndent() > childIndent {
					m[k] = p.parseBlock(p.peekIndent())
				} else {
					m[k] = nil
				}
			}
			result = append(result, m)
		default:
			result = append(result, parseHUMLScalar(rest))
		}
	}
	return result
}

// splitHUMLPair splits "key: value" into its parts. hasValue is false
// when the line is a bare "key:" expecting a nested block to follow.
func splitHUMLPair(line string) (key, value string, hasValue bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return strings.TrimSpace(line), "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	return key, value, value != ""
}

func parseHUMLScalar(s string) any {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null", "~":
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}
