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

package policy

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Condition operators.
const (
	OpEq     = "eq"
	OpGlob   = "glob"
	OpGt     = "gt"
	OpAlways = "always"
	OpAllOf  = "all_of"
	OpAnyOf  = "any_of"
)

// Condition is a predicate over the request/response context. all_of and
// any_of recurse into Of with AND/OR semantics; the leaf operators test
// the value at Field.
type Condition struct {
	Op    string      `json:"op"`
	Field string      `json:"field,omitempty"`
	Value interface{} `json:"value,omitempty"`
	Of    []Condition `json:"of,omitempty"`
}

// conditionAlias is the raw wire shape, accepting the operator under
// "op" or "operator" and children under "of" or "conditions".
type conditionAlias struct {
	Op         string      `json:"op"`
	Operator   string      `json:"operator"`
	Field      string      `json:"field"`
	Value      interface{} `json:"value"`
	Of         []Condition `json:"of"`
	Conditions []Condition `json:"conditions"`
	AllOf      []Condition `json:"all_of"`
	AnyOf      []Condition `json:"any_of"`
}

// UnmarshalJSON accepts the operator spellings seen in stored policy
// documents: {"op": ...}, {"operator": ...}, and the shorthand
// {"all_of": [...]} / {"any_of": [...]}.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var alias conditionAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	c.Field = alias.Field
	c.Value = alias.Value

	switch {
	case len(alias.AllOf) > 0:
		c.Op = OpAllOf
		c.Of = alias.AllOf
	case len(alias.AnyOf) > 0:
		c.Op = OpAnyOf
		c.Of = alias.AnyOf
	case alias.Op != "":
		c.Op = alias.Op
		c.Of = firstNonEmpty(alias.Of, alias.Conditions)
	case alias.Operator != "":
		c.Op = alias.Operator
		c.Of = firstNonEmpty(alias.Of, alias.Conditions)
	default:
		c.Op = OpAlways
	}
	return nil
}

func firstNonEmpty(a, b []Condition) []Condition {
	if len(a) > 0 {
		return a
	}
	return b
}

// Validate rejects unknown operators and malformed combinators.
func (c *Condition) Validate() error {
	switch c.Op {
	case OpAlways:
		return nil
	case OpEq, OpGlob, OpGt:
		if c.Field == "" {
			return fmt.Errorf("%s condition requires a field", c.Op)
		}
		return nil
	case OpAllOf, OpAnyOf:
		if len(c.Of) == 0 {
			return fmt.Errorf("%s condition requires child conditions", c.Op)
		}
		for i := range c.Of {
			if err := c.Of[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown condition operator %q", c.Op)
	}
}

// Matches evaluates the condition against a field resolver.
func (c *Condition) Matches(resolve func(field string) interface{}) bool {
	switch c.Op {
	case OpAlways:
		return true
	case OpEq:
		got := resolve(c.Field)
		if got == nil {
			return false
		}
		return fmt.Sprint(got) == fmt.Sprint(c.Value)
	case OpGlob:
		got := resolve(c.Field)
		if got == nil {
			return false
		}
		matched, err := path.Match(fmt.Sprint(c.Value), fmt.Sprint(got))
		return err == nil && matched
	case OpGt:
		got, ok := toFloat64(resolve(c.Field))
		if !ok {
			return false
		}
		want, ok := toFloat64(c.Value)
		return ok && got > want
	case OpAllOf:
		for i := range c.Of {
			if !c.Of[i].Matches(resolve) {
				return false
			}
		}
		return true
	case OpAnyOf:
		for i := range c.Of {
			if c.Of[i].Matches(resolve) {
				return true
			}
		}
		return false
	default:
		// Unknown operators are rejected at save time; fail closed in
		// case one slips through a stale store.
		return false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
