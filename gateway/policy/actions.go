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
	"net/url"
	"time"

	"tollgate/platform/gateway/sanitize"
	"tollgate/platform/gateway/usage"
)

// ActionKind enumerates the closed set of policy actions. Unknown kinds
// are a validation error at policy-save time, never silently ignored at
// request time.
type ActionKind string

const (
	ActionDeny            ActionKind = "deny"
	ActionRateLimit       ActionKind = "rate_limit"
	ActionSpendCap        ActionKind = "spend_cap"
	ActionRedact          ActionKind = "redact"
	ActionTransform       ActionKind = "transform"
	ActionRequireApproval ActionKind = "human_approval"
	ActionWebhook         ActionKind = "webhook"
)

// Action is the tagged variant over the action kinds. Exactly one of the
// config pointers is set, matching Kind.
type Action struct {
	Kind ActionKind

	Deny      *DenyAction
	RateLimit *RateLimitAction
	SpendCap  *SpendCapAction
	Redact    *RedactAction
	Transform *TransformAction
	Approval  *ApprovalAction
	Webhook   *WebhookAction
}

// DenyAction blocks the request outright.
type DenyAction struct {
	Message string `json:"message,omitempty"`
	Status  int    `json:"status,omitempty"` // defaults to 403
}

// RateLimitAction caps request counts inside a window.
type RateLimitAction struct {
	Window      string      `json:"window"`
	MaxRequests int64       `json:"max_requests"`
	KeyScope    usage.Scope `json:"key_scope,omitempty"` // defaults to per_token
}

// SpendCapAction caps accumulated estimated spend inside a window.
type SpendCapAction struct {
	Window   string      `json:"window"`
	MaxUSD   float64     `json:"max_usd"`
	KeyScope usage.Scope `json:"key_scope,omitempty"`
}

// RedactAction scrubs matching content from the request and/or response.
type RedactAction struct {
	Patterns       []string           `json:"patterns"`
	CustomPatterns map[string]string  `json:"custom_patterns,omitempty"`
	Direction      sanitize.Direction `json:"direction,omitempty"` // defaults to both
	Fields         []string           `json:"fields,omitempty"`
	// ApplyInShadow lets a shadow policy mutate the live body anyway.
	// Default is observe-only: shadow policies never alter traffic.
	ApplyInShadow bool `json:"apply_in_shadow,omitempty"`
}

// TransformOp is a single body mutation.
type TransformOp struct {
	Op    string      `json:"op"` // set, delete, default
	Field string      `json:"field"`
	Value interface{} `json:"value,omitempty"`
}

// TransformAction applies ordered mutations to the JSON body.
type TransformAction struct {
	Operations    []TransformOp `json:"operations"`
	ApplyInShadow bool          `json:"apply_in_shadow,omitempty"`
}

// ApprovalAction suspends the request until a human decides.
type ApprovalAction struct {
	Timeout   string   `json:"timeout"` // Go duration, e.g. "10m"
	Approvers []string `json:"approvers,omitempty"`
	Message   string   `json:"message,omitempty"`
	Fallback  string   `json:"fallback,omitempty"` // "deny" (default) or "allow"
	Status    int      `json:"status,omitempty"`   // deny status, defaults to 403
}

// TimeoutDuration parses the configured timeout.
func (a *ApprovalAction) TimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(a.Timeout)
}

// WebhookAction posts policy events to an external receiver.
type WebhookAction struct {
	URL       string   `json:"url"`
	Events    []string `json:"events,omitempty"`
	TimeoutMS int      `json:"timeout_ms,omitempty"`
}

// Blocking reports whether this action, in enforce mode, can terminate
// or suspend the pipeline. Redact, transform, and webhook never block.
func (a *Action) Blocking() bool {
	switch a.Kind {
	case ActionDeny, ActionRateLimit, ActionSpendCap, ActionRequireApproval:
		return true
	default:
		return false
	}
}

// UnmarshalJSON decodes the flat action encoding: a "type" tag plus the
// kind's own fields at the same level.
func (a *Action) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type ActionKind `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}

	switch normalizeKind(tag.Type) {
	case ActionDeny:
		a.Kind = ActionDeny
		a.Deny = &DenyAction{}
		return json.Unmarshal(data, a.Deny)
	case ActionRateLimit:
		a.Kind = ActionRateLimit
		a.RateLimit = &RateLimitAction{}
		return json.Unmarshal(data, a.RateLimit)
	case ActionSpendCap:
		a.Kind = ActionSpendCap
		a.SpendCap = &SpendCapAction{}
		return json.Unmarshal(data, a.SpendCap)
	case ActionRedact:
		a.Kind = ActionRedact
		a.Redact = &RedactAction{}
		return json.Unmarshal(data, a.Redact)
	case ActionTransform:
		a.Kind = ActionTransform
		a.Transform = &TransformAction{}
		return json.Unmarshal(data, a.Transform)
	case ActionRequireApproval:
		a.Kind = ActionRequireApproval
		a.Approval = &ApprovalAction{}
		return json.Unmarshal(data, a.Approval)
	case ActionWebhook:
		a.Kind = ActionWebhook
		a.Webhook = &WebhookAction{}
		return json.Unmarshal(data, a.Webhook)
	default:
		return fmt.Errorf("unknown rule type %q", tag.Type)
	}
}

// normalizeKind maps accepted aliases onto the canonical kind.
func normalizeKind(k ActionKind) ActionKind {
	switch k {
	case "require_approval", "approval", ActionRequireApproval:
		return ActionRequireApproval
	case "ratelimit", ActionRateLimit:
		return ActionRateLimit
	case "spendcap", "budget", ActionSpendCap:
		return ActionSpendCap
	default:
		return k
	}
}

// flatFields returns the action as a flat map with the "type" tag, the
// canonical output encoding.
func (a Action) flatFields() (map[string]interface{}, error) {
	var config interface{}
	switch a.Kind {
	case ActionDeny:
		config = a.Deny
	case ActionRateLimit:
		config = a.RateLimit
	case ActionSpendCap:
		config = a.SpendCap
	case ActionRedact:
		config = a.Redact
	case ActionTransform:
		config = a.Transform
	case ActionRequireApproval:
		config = a.Approval
	case ActionWebhook:
		config = a.Webhook
	default:
		return nil, fmt.Errorf("unknown action kind %q", a.Kind)
	}

	encoded, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	flat := map[string]interface{}{}
	if err := json.Unmarshal(encoded, &flat); err != nil {
		return nil, err
	}
	flat["type"] = a.Kind
	return flat, nil
}

// MarshalJSON emits the flat canonical encoding.
func (a Action) MarshalJSON() ([]byte, error) {
	flat, err := a.flatFields()
	if err != nil {
		return nil, err
	}
	return json.Marshal(flat)
}

// Validate checks the action's configuration is complete and well formed.
func (a *Action) Validate() error {
	switch a.Kind {
	case ActionDeny:
		if a.Deny.Status != 0 && (a.Deny.Status < 400 || a.Deny.Status > 599) {
			return fmt.Errorf("deny status must be a 4xx/5xx code, got %d", a.Deny.Status)
		}
	case ActionRateLimit:
		if _, err := usage.ParseWindow(a.RateLimit.Window); err != nil {
			return err
		}
		if a.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit max_requests must be positive")
		}
		if err := validateScope(a.RateLimit.KeyScope); err != nil {
			return err
		}
	case ActionSpendCap:
		if _, err := usage.ParseWindow(a.SpendCap.Window); err != nil {
			return err
		}
		if a.SpendCap.MaxUSD < 0 {
			return fmt.Errorf("spend_cap max_usd must not be negative")
		}
		if err := validateScope(a.SpendCap.KeyScope); err != nil {
			return err
		}
	case ActionRedact:
		if len(a.Redact.Patterns) == 0 {
			return fmt.Errorf("redact requires at least one pattern")
		}
		if _, err := sanitize.Compile(a.Redact.Patterns, a.Redact.CustomPatterns); err != nil {
			return err
		}
		switch a.Redact.Direction {
		case sanitize.DirectionRequest, sanitize.DirectionResponse, sanitize.DirectionBoth, "":
		default:
			return fmt.Errorf("invalid redact direction %q", a.Redact.Direction)
		}
	case ActionTransform:
		if len(a.Transform.Operations) == 0 {
			return fmt.Errorf("transform requires at least one operation")
		}
		for _, op := range a.Transform.Operations {
			switch op.Op {
			case "set", "delete", "default":
			default:
				return fmt.Errorf("unknown transform op %q", op.Op)
			}
			if op.Field == "" {
				return fmt.Errorf("transform op is missing a field")
			}
		}
	case ActionRequireApproval:
		d, err := a.Approval.TimeoutDuration()
		if err != nil {
			return fmt.Errorf("invalid approval timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("approval timeout must be positive")
		}
		switch a.Approval.Fallback {
		case "allow", "deny", "":
		default:
			return fmt.Errorf("invalid approval fallback %q", a.Approval.Fallback)
		}
		if a.Approval.Status != 0 && (a.Approval.Status < 400 || a.Approval.Status > 599) {
			return fmt.Errorf("approval deny status must be a 4xx/5xx code, got %d", a.Approval.Status)
		}
	case ActionWebhook:
		if _, err := url.ParseRequestURI(a.Webhook.URL); err != nil {
			return fmt.Errorf("invalid webhook url: %w", err)
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

func validateScope(s usage.Scope) error {
	switch s {
	case usage.ScopePerToken, usage.ScopePerAgent, usage.ScopePerIP,
		usage.ScopePerUser, usage.ScopeGlobal, "":
		return nil
	default:
		return fmt.Errorf("unknown key_scope %q", s)
	}
}
