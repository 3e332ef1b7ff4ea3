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
	"context"
	"fmt"
	"net/http"
	"strings"

	"tollgate/platform/gateway/usage"
	"tollgate/platform/shared/logger"
)

// RequestContext is the view of an in-flight request the engine
// evaluates conditions against. Body holds the decoded JSON request
// body; Response is set only for post-phase evaluation.
type RequestContext struct {
	RequestID string
	TokenID   string
	ProjectID string
	AgentName string
	SessionID string
	UserID    string
	ClientIP  string
	Method    string
	Path      string
	Headers   map[string]string

	Body             map[string]interface{}
	EstimatedCostUSD float64

	Response *ResponseContext
}

// ResponseContext carries the upstream response for post-phase policies.
type ResponseContext struct {
	Status int
	Body   map[string]interface{}
}

// Resolve maps a condition field path onto the context. Unknown fields
// resolve to nil, which makes every leaf operator fail the match.
func (rc *RequestContext) Resolve(field string) interface{} {
	switch field {
	case "method":
		return rc.Method
	case "path":
		return rc.Path
	case "agent":
		return rc.AgentName
	case "token":
		return rc.TokenID
	case "session":
		return rc.SessionID
	case "user":
		return rc.UserID
	case "ip":
		return rc.ClientIP
	case "estimated_cost_usd":
		return rc.EstimatedCostUSD
	case "response.status":
		if rc.Response == nil {
			return nil
		}
		return rc.Response.Status
	}

	switch {
	case strings.HasPrefix(field, "body."):
		return lookupPath(rc.Body, strings.TrimPrefix(field, "body."))
	case strings.HasPrefix(field, "header."):
		return rc.Headers[strings.ToLower(strings.TrimPrefix(field, "header."))]
	case strings.HasPrefix(field, "response.body."):
		if rc.Response == nil {
			return nil
		}
		return lookupPath(rc.Response.Body, strings.TrimPrefix(field, "response.body."))
	}
	return nil
}

func lookupPath(m map[string]interface{}, dotted string) interface{} {
	if m == nil {
		return nil
	}
	parts := strings.Split(dotted, ".")
	var cur interface{} = m
	for _, p := range parts {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = obj[p]
		if !ok {
			return nil
		}
	}
	return cur
}

// DecisionKind is the engine's terminal verdict for a phase.
type DecisionKind string

const (
	DecisionAllow DecisionKind = "allow"
	DecisionDeny  DecisionKind = "deny"
	DecisionHold  DecisionKind = "hold"
)

// HoldDirective tells the pipeline to suspend on human approval.
type HoldDirective struct {
	Action     *ApprovalAction
	PolicyName string
}

// RedactDirective tells the pipeline to run the sanitizer. Observe marks
// shadow-mode redactions that must scan but not mutate live traffic.
type RedactDirective struct {
	Action     *RedactAction
	PolicyName string
	Observe    bool
}

// WebhookDirective tells the pipeline to notify an external receiver.
type WebhookDirective struct {
	Action     *WebhookAction
	PolicyName string
}

// SpendCharge names a usage counter the pipeline must add this
// request's cost to once the upstream call succeeds. One charge per
// evaluated spend cap, shadow policies included, so shadow violations
// stay meaningful over time.
type SpendCharge struct {
	Key    string
	Window usage.Window
}

// Result is the composed outcome of evaluating the ordered policies of
// a token for one phase.
type Result struct {
	Decision    DecisionKind
	DenyStatus  int
	DenyMessage string
	DeniedBy    string

	Hold *HoldDirective

	Redactions        []RedactDirective
	Webhooks          []WebhookDirective
	SpendCharges      []SpendCharge
	ShadowViolations  []string
	MatchedPolicies   []string
	TransformsApplied int
}

// Engine interprets the ordered policy list against a request context.
// Evaluation is synchronous and non-blocking; the usage tracker is the
// only shared state it touches.
type Engine struct {
	tracker usage.Tracker
	log     *logger.Logger
}

// NewEngine creates a policy engine backed by the given usage tracker.
func NewEngine(tracker usage.Tracker, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.New("policy-engine")
	}
	return &Engine{tracker: tracker, log: log}
}

// Evaluate runs every policy attached to the token, in declared order,
// for the given phase. The first blocking action of an enforce-mode
// policy short-circuits evaluation; shadow-mode blocks are recorded as
// violations and the pipeline continues as if allowed. Non-blocking
// actions accumulate their directives until a block is hit.
func (e *Engine) Evaluate(ctx context.Context, phase Phase, policies []*Policy, rc *RequestContext) *Result {
	result := &Result{Decision: DecisionAllow}

	for _, p := range policies {
		if p == nil || p.Deleted || p.EffectivePhase() != phase {
			continue
		}

		matched := false
		for ri := range p.Rules {
			rule := &p.Rules[ri]
			if !rule.When.Matches(rc.Resolve) {
				continue
			}
			matched = true

			for ai := range rule.Then {
				if blocked := e.applyAction(ctx, p, &rule.Then[ai], rc, result); blocked {
					result.MatchedPolicies = append(result.MatchedPolicies, p.Name)
					return result
				}
			}
		}
		if matched {
			result.MatchedPolicies = append(result.MatchedPolicies, p.Name)
		}
	}
	return result
}

// applyAction executes one action and reports whether it terminated the
// phase (enforce-mode deny, limit breach, or approval hold).
func (e *Engine) applyAction(ctx context.Context, p *Policy, a *Action, rc *RequestContext, result *Result) bool {
	shadow := p.Mode == ModeShadow

	switch a.Kind {
	case ActionDeny:
		if shadow {
			result.ShadowViolations = append(result.ShadowViolations,
				fmt.Sprintf("policy %q: request would be denied: %s", p.Name, a.Deny.Message))
			return false
		}
		result.Decision = DecisionDeny
		result.DenyStatus = a.Deny.Status
		if result.DenyStatus == 0 {
			result.DenyStatus = http.StatusForbidden
		}
		result.DenyMessage = a.Deny.Message
		if result.DenyMessage == "" {
			result.DenyMessage = "request blocked by policy"
		}
		result.DeniedBy = p.Name
		return true

	case ActionRateLimit:
		return e.applyRateLimit(ctx, p, a.RateLimit, rc, result, shadow)

	case ActionSpendCap:
		return e.applySpendCap(ctx, p, a.SpendCap, rc, result, shadow)

	case ActionRedact:
		result.Redactions = append(result.Redactions, RedactDirective{
			Action:     a.Redact,
			PolicyName: p.Name,
			Observe:    shadow && !a.Redact.ApplyInShadow,
		})
		return false

	case ActionTransform:
		if shadow && !a.Transform.ApplyInShadow {
			result.ShadowViolations = append(result.ShadowViolations,
				fmt.Sprintf("policy %q: transform would apply", p.Name))
			return false
		}
		result.TransformsApplied += applyTransform(a.Transform, rc)
		return false

	case ActionRequireApproval:
		if shadow {
			result.ShadowViolations = append(result.ShadowViolations,
				fmt.Sprintf("policy %q: human approval would be required", p.Name))
			return false
		}
		result.Decision = DecisionHold
		result.Hold = &HoldDirective{Action: a.Approval, PolicyName: p.Name}
		return true

	case ActionWebhook:
		result.Webhooks = append(result.Webhooks, WebhookDirective{
			Action:     a.Webhook,
			PolicyName: p.Name,
		})
		return false

	default:
		// Unknown kinds are rejected at save time; a stale store entry
		// fails closed.
		result.Decision = DecisionDeny
		result.DenyStatus = http.StatusForbidden
		result.DenyMessage = "policy configuration error"
		result.DeniedBy = p.Name
		return true
	}
}

func (e *Engine) applyRateLimit(ctx context.Context, p *Policy, rl *RateLimitAction, rc *RequestContext, result *Result, shadow bool) bool {
	w, err := usage.ParseWindow(rl.Window)
	if err != nil {
		// Validated at save time; fail closed on a corrupted store.
		result.Decision = DecisionDeny
		result.DenyStatus = http.StatusForbidden
		result.DenyMessage = "policy configuration error"
		result.DeniedBy = p.Name
		return true
	}

	// The counter increments before forwarding on every evaluated
	// request, whatever the eventual outcome.
	count, err := e.tracker.IncrCount(ctx, scopeKey(rl.KeyScope, rc), w)
	if err != nil {
		// Counter outages fail open.
		e.log.Warn(rc.TokenID, rc.RequestID, "rate limit check failed, failing open",
			map[string]interface{}{"error": err.Error(), "policy": p.Name})
		return false
	}

	if count <= rl.MaxRequests {
		return false
	}
	if shadow {
		result.ShadowViolations = append(result.ShadowViolations, "rate limit exceeded")
		return false
	}
	result.Decision = DecisionDeny
	result.DenyStatus = http.StatusTooManyRequests
	result.DenyMessage = fmt.Sprintf("rate limit exceeded: %d requests per %s (limit: %d)", count, w, rl.MaxRequests)
	result.DeniedBy = p.Name
	return true
}

func (e *Engine) applySpendCap(ctx context.Context, p *Policy, sc *SpendCapAction, rc *RequestContext, result *Result, shadow bool) bool {
	w, err := usage.ParseWindow(sc.Window)
	if err != nil {
		result.Decision = DecisionDeny
		result.DenyStatus = http.StatusForbidden
		result.DenyMessage = "policy configuration error"
		result.DeniedBy = p.Name
		return true
	}

	key := scopeKey(sc.KeyScope, rc)
	result.SpendCharges = append(result.SpendCharges, SpendCharge{Key: key, Window: w})

	// The cap compares spend accumulated by PRIOR requests; this
	// request's own cost is added only after a successful upstream
	// call. The request that crosses the cap therefore succeeds, and
	// the next one is denied.
	current, err := e.tracker.CurrentSpend(ctx, key, w)
	if err != nil {
		e.log.Warn(rc.TokenID, rc.RequestID, "spend cap check failed, failing open",
			map[string]interface{}{"error": err.Error(), "policy": p.Name})
		return false
	}

	if current <= sc.MaxUSD {
		return false
	}
	if shadow {
		result.ShadowViolations = append(result.ShadowViolations, "spend cap exceeded")
		return false
	}
	result.Decision = DecisionDeny
	result.DenyStatus = http.StatusPaymentRequired
	result.DenyMessage = fmt.Sprintf("spend cap exceeded: $%.4f spent this %s (limit: $%.2f)", current, w, sc.MaxUSD)
	result.DeniedBy = p.Name
	return true
}

// scopeKey shards usage counters. Agent, user, and IP scopes nest under
// the token; the global scope is shared across all tokens.
func scopeKey(scope usage.Scope, rc *RequestContext) string {
	switch scope {
	case usage.ScopePerAgent:
		return "agent:" + rc.TokenID + ":" + rc.AgentName
	case usage.ScopePerIP:
		return "ip:" + rc.TokenID + ":" + rc.ClientIP
	case usage.ScopePerUser:
		return "user:" + rc.TokenID + ":" + rc.UserID
	case usage.ScopeGlobal:
		return "global"
	default: // per_token
		return "token:" + rc.TokenID
	}
}

// applyTransform mutates the phase's body in place and returns the
// number of operations applied.
func applyTransform(t *TransformAction, rc *RequestContext) int {
	body := rc.Body
	if rc.Response != nil {
		body = rc.Response.Body
	}
	if body == nil {
		return 0
	}

	applied := 0
	for _, op := range t.Operations {
		parent, key := traverseToParent(body, op.Field)
		if parent == nil {
			continue
		}
		switch op.Op {
		case "set":
			parent[key] = op.Value
			applied++
		case "delete":
			if _, ok := parent[key]; ok {
				delete(parent, key)
				applied++
			}
		case "default":
			if _, ok := parent[key]; !ok {
				parent[key] = op.Value
				applied++
			}
		}
	}
	return applied
}

// traverseToParent walks a dotted path, creating intermediate objects
// for set/default targets, and returns the parent map plus the leaf key.
func traverseToParent(body map[string]interface{}, dotted string) (map[string]interface{}, string) {
	parts := strings.Split(dotted, ".")
	cur := body
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			if _, exists := cur[p]; exists {
				return nil, "" // path collides with a non-object leaf
			}
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
	return cur, parts[len(parts)-1]
}
