// Copyright 2025 Tollgate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sanitize

import (
	"encoding/json"
	"strings"
)

// Direction controls which side of the proxied exchange a redaction
// applies to.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
	DirectionBoth     Direction = "both"
)

// AppliesTo reports whether a redaction configured with direction d
// should run in the given phase (request or response).
func (d Direction) AppliesTo(phase Direction) bool {
	return d == phase || d == DirectionBoth || d == ""
}

// Sanitize walks the decoded JSON value and replaces every pattern match
// in string leaves with the pattern's tag. When fields is non-empty, only
// the named dotted field paths are scanned. It returns the transformed
// value and the names of patterns that matched at least once; absence of
// matches is not an error.
func Sanitize(body interface{}, patterns []Pattern, fields []string) (interface{}, []string) {
	matched := make(map[string]bool)
	out := walk(body, "", patterns, fields, matched)

	names := make([]string, 0, len(matched))
	for _, p := range patterns {
		if matched[p.Name] {
			names = append(names, p.Name)
		}
	}
	return out, names
}

// SanitizeJSON is Sanitize over a raw JSON body. A body that does not
// parse as JSON is treated as a single string leaf, so redaction still
// applies to plain-text payloads.
func SanitizeJSON(raw []byte, patterns []Pattern, fields []string) ([]byte, []string) {
	if len(raw) == 0 {
		return raw, nil
	}

	var body interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		s, names := redactString(string(raw), patterns, make(map[string]bool), nil)
		return []byte(s), names
	}

	out, names := Sanitize(body, patterns, fields)
	encoded, err := json.Marshal(out)
	if err != nil {
		return raw, names
	}
	return encoded, names
}

func walk(v interface{}, path string, patterns []Pattern, fields []string, matched map[string]bool) interface{} {
	switch val := v.(type) {
	case string:
		if !pathSelected(path, fields) {
			return val
		}
		s, _ := redactString(val, patterns, matched, nil)
		return s
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = walk(child, joinPath(path, k), patterns, fields, matched)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = walk(child, path, patterns, fields, matched)
		}
		return out
	default:
		return val
	}
}

func redactString(s string, patterns []Pattern, matched map[string]bool, names []string) (string, []string) {
	for _, p := range patterns {
		if p.Regexp.MatchString(s) {
			s = p.Regexp.ReplaceAllString(s, p.Tag())
			matched[p.Name] = true
			names = append(names, p.Name)
		}
	}
	return s, names
}

// pathSelected reports whether the leaf at path should be scanned. An
// empty field list selects everything; otherwise a leaf matches when its
// path equals a configured field or is nested beneath one.
func pathSelected(path string, fields []string) bool {
	if len(fields) == 0 {
		return true
	}
	for _, f := range fields {
		if path == f || strings.HasPrefix(path, f+".") {
			return true
		}
	}
	return false
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}
