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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, names ...string) []Pattern {
	t.Helper()
	patterns, err := Compile(names, nil)
	require.NoError(t, err)
	return patterns
}

func TestSanitizeJSONEmail(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"reach me at bob@example.com please"}]}`)

	out, names := SanitizeJSON(body, mustCompile(t, PatternEmail), nil)

	assert.NotContains(t, string(out), "bob@example.com")
	assert.Contains(t, string(out), "[REDACTED_EMAIL]")
	assert.Equal(t, []string{PatternEmail}, names)
}

func TestSanitizeJSONNoMatch(t *testing.T) {
	body := []byte(`{"content":"nothing sensitive here"}`)

	out, names := SanitizeJSON(body, mustCompile(t, PatternEmail, PatternSSN), nil)

	assert.JSONEq(t, string(body), string(out))
	assert.Empty(t, names)
}

func TestSanitizeJSONMultiplePatterns(t *testing.T) {
	body := []byte(`{"content":"ssn 123-45-6789 email alice@corp.io"}`)

	out, names := SanitizeJSON(body, mustCompile(t, PatternEmail, PatternSSN), nil)

	assert.Contains(t, string(out), "[REDACTED_SSN]")
	assert.Contains(t, string(out), "[REDACTED_EMAIL]")
	assert.ElementsMatch(t, []string{PatternEmail, PatternSSN}, names)
}

func TestSanitizeOneTagPerMatch(t *testing.T) {
	body := []byte(`{"content":"a@x.io and b@y.io"}`)

	out, _ := SanitizeJSON(body, mustCompile(t, PatternEmail), nil)

	assert.Equal(t, 2, strings.Count(string(out), "[REDACTED_EMAIL]"))
	assert.NotContains(t, string(out), "a@x.io")
	assert.NotContains(t, string(out), "b@y.io")
}

func TestSanitizeNestedStructure(t *testing.T) {
	body := map[string]interface{}{
		"outer": map[string]interface{}{
			"list": []interface{}{"call 555-867-5309 now", 42, true},
		},
	}

	out, names := Sanitize(body, mustCompile(t, PatternPhone), nil)

	leaf := out.(map[string]interface{})["outer"].(map[string]interface{})["list"].([]interface{})[0]
	assert.Contains(t, leaf.(string), "[REDACTED_PHONE]")
	assert.Equal(t, []string{PatternPhone}, names)
}

func TestSanitizeFieldScoping(t *testing.T) {
	body := map[string]interface{}{
		"scanned":   "bob@example.com",
		"unscanned": "eve@example.com",
	}

	out, names := Sanitize(body, mustCompile(t, PatternEmail), []string{"scanned"})

	m := out.(map[string]interface{})
	assert.Equal(t, "[REDACTED_EMAIL]", m["scanned"])
	assert.Equal(t, "eve@example.com", m["unscanned"])
	assert.Equal(t, []string{PatternEmail}, names)
}

func TestSanitizeFieldScopingNested(t *testing.T) {
	body := map[string]interface{}{
		"request": map[string]interface{}{"body": "card 4111111111111111"},
		"meta":    "4111111111111111",
	}

	out, _ := Sanitize(body, mustCompile(t, PatternCreditCard), []string{"request"})

	m := out.(map[string]interface{})
	assert.Contains(t, m["request"].(map[string]interface{})["body"], "[REDACTED_CREDIT_CARD]")
	assert.Equal(t, "4111111111111111", m["meta"])
}

func TestSanitizeJSONPlainText(t *testing.T) {
	out, names := SanitizeJSON([]byte("contact carol@example.net"), mustCompile(t, PatternEmail), nil)

	assert.Equal(t, "contact [REDACTED_EMAIL]", string(out))
	assert.Equal(t, []string{PatternEmail}, names)
}

func TestSanitizeJSONEmptyBody(t *testing.T) {
	out, names := SanitizeJSON(nil, mustCompile(t, PatternEmail), nil)

	assert.Empty(t, out)
	assert.Empty(t, names)
}

func TestCompileCustomPattern(t *testing.T) {
	patterns, err := Compile([]string{"ticket"}, map[string]string{"ticket": `TICKET-\d{4}`})
	require.NoError(t, err)

	out, names := SanitizeJSON([]byte(`{"content":"see TICKET-1234"}`), patterns, nil)

	assert.Contains(t, string(out), "[REDACTED_TICKET]")
	assert.Equal(t, []string{"ticket"}, names)
}

func TestCompileUnknownPattern(t *testing.T) {
	_, err := Compile([]string{"no_such_pattern"}, nil)
	assert.Error(t, err)
}

func TestCompileInvalidCustomRegex(t *testing.T) {
	_, err := Compile([]string{"bad"}, map[string]string{"bad": `([`})
	assert.Error(t, err)
}

func TestDirectionAppliesTo(t *testing.T) {
	assert.True(t, DirectionRequest.AppliesTo(DirectionRequest))
	assert.False(t, DirectionRequest.AppliesTo(DirectionResponse))
	assert.True(t, DirectionBoth.AppliesTo(DirectionRequest))
	assert.True(t, DirectionBoth.AppliesTo(DirectionResponse))
	assert.True(t, Direction("").AppliesTo(DirectionResponse))
}
