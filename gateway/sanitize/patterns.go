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
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a named redaction pattern. Matches are replaced with the
// literal tag [REDACTED_<NAME_UPPER>].
type Pattern struct {
	Name   string
	Regexp *regexp.Regexp
}

// Tag returns the replacement tag for this pattern.
func (p Pattern) Tag() string {
	return "[REDACTED_" + strings.ToUpper(p.Name) + "]"
}

// Built-in pattern names.
const (
	PatternEmail      = "email"
	PatternSSN        = "ssn"
	PatternPhone      = "phone"
	PatternCreditCard = "credit_card"
	PatternIPAddress  = "ip_address"
	PatternIBAN       = "iban"
	PatternAPIKey     = "api_key"
)

var builtinPatterns = map[string]*regexp.Regexp{
	// RFC 5322-ish email
	PatternEmail: regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`),
	// US Social Security Number
	PatternSSN: regexp.MustCompile(`\b\d{3}[- ]?\d{2}[- ]?\d{4}\b`),
	// US and international phone formats
	PatternPhone: regexp.MustCompile(`\+?1?[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`),
	// Visa, MasterCard, Amex, Discover
	PatternCreditCard: regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b|\b\d{4}[- ]\d{4}[- ]\d{4}[- ]\d{4}\b`),
	// IPv4
	PatternIPAddress: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`),
	// International Bank Account Number
	PatternIBAN: regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}\b`),
	// Common provider API key prefixes
	PatternAPIKey: regexp.MustCompile(`\b(?:sk|pk|rk)-[a-zA-Z0-9\-_]{16,}\b`),
}

// BuiltinNames lists the names of all built-in patterns.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtinPatterns))
	for name := range builtinPatterns {
		names = append(names, name)
	}
	return names
}

// Compile resolves a mix of built-in pattern names and custom regular
// expressions into executable patterns. Entries in names that match a
// built-in use it; anything else must appear in custom. Custom patterns
// are validated at policy-save time, so a bad expression here is a
// configuration error, not a request-time failure.
func Compile(names []string, custom map[string]string) ([]Pattern, error) {
	patterns := make([]Pattern, 0, len(names))
	for _, name := range names {
		if re, ok := builtinPatterns[name]; ok {
			patterns = append(patterns, Pattern{Name: name, Regexp: re})
			continue
		}
		expr, ok := custom[name]
		if !ok {
			return nil, fmt.Errorf("unknown redaction pattern %q", name)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid custom pattern %q: %w", name, err)
		}
		patterns = append(patterns, Pattern{Name: name, Regexp: re})
	}
	return patterns, nil
}
