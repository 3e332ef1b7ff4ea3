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
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Mode controls whether a policy blocks traffic or only records what it
// would have done.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeShadow  Mode = "shadow"
)

// Phase controls when in the proxy pipeline a policy is evaluated.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Policy is an ordered list of rules attached to one or more tokens.
type Policy struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Mode      Mode      `json:"mode"`
	Phase     Phase     `json:"phase,omitempty"`
	Rules     []Rule    `json:"rules"`
	ProjectID string    `json:"project_id,omitempty"`
	Deleted   bool      `json:"-"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Rule pairs a condition with one or more actions. Two JSON encodings
// deserialize into this one representation: the flat form
//
//	{"type": "rate_limit", "window": "1m", "max_requests": 60}
//
// where the action fields sit at the rule level and the condition is
// optional under "condition", and the nested form
//
//	{"when": {"field": "body.model", "op": "glob", "value": "gpt-4*"},
//	 "then": [{"type": "deny", "message": "not allowed"}]}
//
// where "then" is a single action or an array. Flat is canonical on output.
type Rule struct {
	When Condition `json:"when"`
	Then []Action  `json:"then"`
}

// UnmarshalJSON accepts both rule encodings.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	_, hasWhen := probe["when"]
	_, hasThen := probe["then"]
	if hasWhen || hasThen {
		return r.unmarshalNested(probe)
	}
	return r.unmarshalFlat(data, probe)
}

func (r *Rule) unmarshalNested(probe map[string]json.RawMessage) error {
	r.When = Condition{Op: OpAlways}
	if raw, ok := probe["when"]; ok {
		if err := json.Unmarshal(raw, &r.When); err != nil {
			return fmt.Errorf("invalid rule condition: %w", err)
		}
	}

	raw, ok := probe["then"]
	if !ok {
		return fmt.Errorf("rule with \"when\" is missing \"then\"")
	}

	// "then" may be a single action object or an array of actions.
	raw = json.RawMessage(bytes.TrimSpace(raw))
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &r.Then); err != nil {
			return fmt.Errorf("invalid rule actions: %w", err)
		}
	} else {
		var single Action
		if err := json.Unmarshal(raw, &single); err != nil {
			return fmt.Errorf("invalid rule action: %w", err)
		}
		r.Then = []Action{single}
	}

	if len(r.Then) == 0 {
		return fmt.Errorf("rule has no actions")
	}
	return nil
}

func (r *Rule) unmarshalFlat(data []byte, probe map[string]json.RawMessage) error {
	var action Action
	if err := json.Unmarshal(data, &action); err != nil {
		return err
	}
	r.Then = []Action{action}

	r.When = Condition{Op: OpAlways}
	if raw, ok := probe["condition"]; ok {
		if err := json.Unmarshal(raw, &r.When); err != nil {
			return fmt.Errorf("invalid rule condition: %w", err)
		}
	}
	return nil
}

// MarshalJSON emits the flat canonical encoding when the rule carries a
// single action with an implicit or simple condition, and the nested
// encoding otherwise.
func (r Rule) MarshalJSON() ([]byte, error) {
	if len(r.Then) == 1 {
		flat, err := r.Then[0].flatFields()
		if err != nil {
			return nil, err
		}
		if r.When.Op != OpAlways {
			flat["condition"] = r.When
		}
		return json.Marshal(flat)
	}
	return json.Marshal(struct {
		When Condition `json:"when"`
		Then []Action  `json:"then"`
	}{r.When, r.Then})
}

// Validate rejects malformed policies at save time, so request handling
// never sees an unknown mode, rule type, or pattern.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	switch p.Mode {
	case ModeEnforce, ModeShadow:
	default:
		return fmt.Errorf("invalid policy mode %q", p.Mode)
	}
	switch p.Phase {
	case PhasePre, PhasePost, "":
	default:
		return fmt.Errorf("invalid policy phase %q", p.Phase)
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("policy has no rules")
	}
	for i := range p.Rules {
		if err := p.Rules[i].Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// EffectivePhase returns the phase a policy runs in, defaulting to pre.
func (p *Policy) EffectivePhase() Phase {
	if p.Phase == "" {
		return PhasePre
	}
	return p.Phase
}

// Validate checks the rule's condition and every action.
func (r *Rule) Validate() error {
	if err := r.When.Validate(); err != nil {
		return err
	}
	if len(r.Then) == 0 {
		return fmt.Errorf("rule has no actions")
	}
	for i := range r.Then {
		if err := r.Then[i].Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy document: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// compile-time interface checks for the JSON round trip
var (
	_ json.Unmarshaler = (*Rule)(nil)
	_ json.Marshaler   = Rule{}
	_ json.Unmarshaler = (*Action)(nil)
	_ json.Marshaler   = Action{}
)
