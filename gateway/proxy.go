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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"tollgate/platform/gateway/approval"
	"tollgate/platform/gateway/audit"
	"tollgate/platform/gateway/forward"
	"tollgate/platform/gateway/policy"
	"tollgate/platform/gateway/sanitize"
	"tollgate/platform/gateway/webhook"
)

// maxBodyBytes bounds the request body the gateway will buffer.
const maxBodyBytes = 10 << 20

// statusClientClosed is nginx's convention for a caller that went away
// before the pipeline finished. Never sent on the wire, only audited.
const statusClientClosed = 499

// handleProxy runs the full mediation pipeline for one proxied call:
// resolve the virtual token, evaluate pre-phase policies, suspend on
// human approval, redact the request, forward upstream, settle spend,
// evaluate post-phase policies, redact the response, and audit.
func (s *Service) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := uuid.New().String()

	secret, ok := bearerSecret(r)
	if !ok {
		promRequestsTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
		return
	}

	tok, err := s.tokens.Resolve(ctx, secret)
	if err != nil {
		promRequestsTotal.WithLabelValues("unauthorized").Inc()
		s.log.Warn("", requestID, "token resolution failed",
			map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusUnauthorized, "invalid or revoked token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		promRequestsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var bodyMap map[string]interface{}
	json.Unmarshal(body, &bodyMap) //nolint:errcheck

	model, _ := bodyMap["model"].(string)
	estimate := s.pricing.EstimateRequestCost(model, body)

	rc := &policy.RequestContext{
		RequestID:        requestID,
		TokenID:          tok.ID,
		ProjectID:        tok.ProjectID,
		AgentName:        r.Header.Get("X-Agent-Name"),
		SessionID:        r.Header.Get("X-Session-ID"),
		UserID:           r.Header.Get("X-User-ID"),
		ClientIP:         clientIP(r),
		Method:           r.Method,
		Path:             r.URL.Path,
		Headers:          lowerHeaders(r.Header),
		Body:             bodyMap,
		EstimatedCostUSD: estimate,
	}

	entry := audit.NewEntry(requestID)
	entry.TokenID = tok.ID
	entry.ProjectID = tok.ProjectID
	entry.AgentName = rc.AgentName
	entry.SessionID = rc.SessionID
	entry.Method = r.Method
	entry.Path = r.URL.Path
	entry.Model = model
	entry.CustomProperties = parseProperties(r.Header.Get("X-Properties"))

	pols, err := s.policies.GetMany(ctx, tok.PolicyIDs)
	if err != nil {
		promRequestsTotal.WithLabelValues("error").Inc()
		s.log.Error(tok.ID, requestID, "policy lookup failed",
			map[string]interface{}{"error": err.Error()})
		s.finish(entry, http.StatusInternalServerError, start)
		writeError(w, http.StatusInternalServerError, "policy lookup failed")
		return
	}

	pre := s.engine.Evaluate(ctx, policy.PhasePre, pols, rc)
	s.notifyPolicyWebhooks(tok.ID, requestID, pre)
	s.recordShadow(entry, pre.ShadowViolations)

	if pre.Decision == policy.DecisionDeny {
		s.denyRequest(w, entry, pre, start)
		return
	}

	if pre.Decision == policy.DecisionHold {
		proceed := s.holdForApproval(ctx, w, tok.ID, rc, entry, pre, start)
		if !proceed {
			return
		}
	}

	// Transforms mutated the decoded body in place; fold them back into
	// the bytes that go upstream.
	if pre.TransformsApplied > 0 && rc.Body != nil {
		if encoded, err := json.Marshal(rc.Body); err == nil {
			body = encoded
		}
	}
	body = s.applyRedactions(body, pre.Redactions, sanitize.DirectionRequest, entry)
	if len(entry.FieldsRedacted) > 0 && rc.Body != nil {
		// Post-phase conditions on body.* must see what actually went
		// upstream.
		json.Unmarshal(body, &rc.Body) //nolint:errcheck
	}

	res, err := s.forwarder.Forward(ctx, tok, r.Method, r.URL.RequestURI(), r.Header, body)
	if err != nil {
		if errors.Is(err, forward.ErrUpstreamUnavailable) {
			promRequestsTotal.WithLabelValues("upstream_error").Inc()
			s.finish(entry, http.StatusBadGateway, start)
			writeError(w, http.StatusBadGateway, "upstream unavailable")
			return
		}
		promRequestsTotal.WithLabelValues("error").Inc()
		s.finish(entry, http.StatusInternalServerError, start)
		writeError(w, http.StatusInternalServerError, "forwarding failed")
		return
	}
	promRequestDuration.WithLabelValues("upstream").Observe(float64(res.Duration.Milliseconds()))
	entry.UpstreamStatus = res.Status

	// Upstream error replies carry no billable usage; only successful
	// calls settle against spend counters.
	if res.Status < 400 {
		cost, prompt, completion := s.pricing.ActualResponseCost(model, res.Body, estimate)
		entry.CostUSD = cost
		entry.PromptTokens = prompt
		entry.CompletionTokens = completion
		s.settleSpend(rc, pre.SpendCharges, cost)
		promUpstreamSpendUSD.Add(cost)
	}

	var respMap map[string]interface{}
	json.Unmarshal(res.Body, &respMap) //nolint:errcheck
	rc.Response = &policy.ResponseContext{Status: res.Status, Body: respMap}

	post := s.engine.Evaluate(ctx, policy.PhasePost, pols, rc)
	s.notifyPolicyWebhooks(tok.ID, requestID, post)
	s.recordShadow(entry, post.ShadowViolations)
	if res.Status < 400 && entry.CostUSD > 0 {
		s.settleSpend(rc, post.SpendCharges, entry.CostUSD)
	}

	if post.Decision == policy.DecisionDeny {
		s.denyRequest(w, entry, post, start)
		return
	}
	if post.Decision == policy.DecisionHold {
		// The upstream call already happened; there is nothing left to
		// hold. Treat it as a misconfiguration and let the reply pass.
		s.log.Warn(tok.ID, requestID, "require_approval ignored in post phase",
			map[string]interface{}{"policy": post.Hold.PolicyName})
	}

	respBody := res.Body
	if post.TransformsApplied > 0 && respMap != nil {
		if encoded, err := json.Marshal(respMap); err == nil {
			respBody = encoded
		}
	}
	redactions := append(append([]policy.RedactDirective{}, pre.Redactions...), post.Redactions...)
	respBody = s.applyRedactions(respBody, redactions, sanitize.DirectionResponse, entry)

	promRequestsTotal.WithLabelValues("allowed").Inc()
	s.finish(entry, res.Status, start)

	if ct := res.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(res.Status)
	w.Write(respBody) //nolint:errcheck
}

// holdForApproval parks the request on a pending approval and blocks
// until a decision, the timeout, or caller disconnect. The return value
// says whether the pipeline continues toward the upstream.
func (s *Service) holdForApproval(ctx context.Context, w http.ResponseWriter,
	tokenID string, rc *policy.RequestContext, entry *audit.Entry, res *policy.Result, start time.Time) bool {

	act := res.Hold.Action
	timeout, err := act.TimeoutDuration()
	if err != nil {
		timeout = 0 // Create falls back to its default
	}

	req := s.approvals.Create(approval.CreateParams{
		TokenID:    tokenID,
		AgentName:  rc.AgentName,
		SessionID:  rc.SessionID,
		RequestID:  rc.RequestID,
		PolicyName: res.Hold.PolicyName,
		Message:    act.Message,
		Method:     rc.Method,
		Path:       rc.Path,
		Approvers:  act.Approvers,
		Fallback:   act.Fallback,
		Timeout:    timeout,
	})
	promApprovalsCreated.Inc()
	promApprovalsPending.Inc()
	defer promApprovalsPending.Dec()
	entry.HITLRequired = true
	s.notifyApproval(webhook.EventApprovalCreated, tokenID, rc.RequestID, req, res)

	out, err := s.approvals.Wait(ctx, req.ID)
	if err != nil {
		// Caller went away while held. The approval record stays live
		// for a late decision; the audit trail records the abandonment.
		entry.HITLDecision = "abandoned"
		promRequestsTotal.WithLabelValues("cancelled").Inc()
		s.finish(entry, statusClientClosed, start)
		return false
	}

	promApprovalsResolved.WithLabelValues(string(out.Status)).Inc()
	entry.HITLDecision = string(out.Status)
	entry.HITLLatencyMS = out.LatencyMS
	if snap, ok := s.approvals.Get(req.ID); ok {
		s.notifyApproval(webhook.EventApprovalResolved, tokenID, rc.RequestID, snap, res)
	}

	denyStatus := act.Status
	if denyStatus == 0 {
		denyStatus = http.StatusForbidden
	}

	switch out.Status {
	case approval.StatusApproved:
		return true
	case approval.StatusRejected:
		promPolicyBlocks.WithLabelValues("approval").Inc()
		promRequestsTotal.WithLabelValues("denied").Inc()
		entry.PolicyResult = audit.ResultDeny
		entry.DenyReason = rejectMessage(out)
		s.finish(entry, denyStatus, start)
		writeError(w, denyStatus, entry.DenyReason)
		return false
	default: // timeout or expired
		if out.FallbackAllow {
			return true
		}
		promPolicyBlocks.WithLabelValues("approval").Inc()
		promRequestsTotal.WithLabelValues("denied").Inc()
		entry.PolicyResult = audit.ResultDeny
		entry.DenyReason = "approval request timed out"
		s.finish(entry, denyStatus, start)
		writeError(w, denyStatus, entry.DenyReason)
		return false
	}
}

// denyRequest finalizes a policy deny: metrics, audit, and the error
// reply with the action's status code.
func (s *Service) denyRequest(w http.ResponseWriter, entry *audit.Entry, res *policy.Result, start time.Time) {
	promPolicyBlocks.WithLabelValues(blockKind(res.DenyStatus)).Inc()
	promRequestsTotal.WithLabelValues("denied").Inc()
	entry.PolicyResult = audit.ResultDeny
	entry.DenyReason = res.DenyMessage
	s.finish(entry, res.DenyStatus, start)
	writeError(w, res.DenyStatus, res.DenyMessage)
}

// finish stamps the entry's terminal fields and hands it to the audit
// writer. Each pipeline exit path calls it exactly once.
func (s *Service) finish(entry *audit.Entry, gatewayStatus int, start time.Time) {
	entry.GatewayStatus = gatewayStatus
	entry.LatencyMS = time.Since(start).Milliseconds()
	if entry.PolicyResult == "" {
		if len(entry.ShadowViolations) > 0 {
			entry.PolicyResult = audit.ResultShadow
		} else {
			entry.PolicyResult = audit.ResultAllow
		}
	}
	promRequestDuration.WithLabelValues("total").Observe(float64(entry.LatencyMS))
	s.auditor.Record(entry)
}

// applyRedactions runs every directive that targets the given phase over
// the raw body. Observe-only directives scan without mutating and record
// would-be matches as shadow violations.
func (s *Service) applyRedactions(raw []byte, directives []policy.RedactDirective, phase sanitize.Direction, entry *audit.Entry) []byte {
	for _, d := range directives {
		if !d.Action.Direction.AppliesTo(phase) {
			continue
		}
		patterns, err := sanitize.Compile(d.Action.Patterns, d.Action.CustomPatterns)
		if err != nil {
			// Validated at save time; skip a corrupted store entry.
			s.log.Warn(entry.TokenID, entry.RequestID, "redact pattern compile failed",
				map[string]interface{}{"policy": d.PolicyName, "error": err.Error()})
			continue
		}
		if d.Observe {
			_, names := sanitize.SanitizeJSON(raw, patterns, d.Action.Fields)
			if len(names) > 0 {
				entry.ShadowViolations = append(entry.ShadowViolations,
					fmt.Sprintf("policy %q: would redact %s", d.PolicyName, strings.Join(names, ", ")))
				promShadowViolations.Add(float64(len(names)))
			}
			continue
		}
		out, names := sanitize.SanitizeJSON(raw, patterns, d.Action.Fields)
		raw = out
		entry.FieldsRedacted = append(entry.FieldsRedacted, names...)
	}
	return raw
}

// settleSpend posts the settled request cost to every spend counter the
// evaluation named. Counter failures are logged, not surfaced: the reply
// already succeeded.
func (s *Service) settleSpend(rc *policy.RequestContext, charges []policy.SpendCharge, cost float64) {
	if cost <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ch := range charges {
		if err := s.tracker.AddSpend(ctx, ch.Key, ch.Window, cost); err != nil {
			s.log.Warn(rc.TokenID, rc.RequestID, "spend settlement failed",
				map[string]interface{}{"key": ch.Key, "error": err.Error()})
		}
	}
}

// notifyPolicyWebhooks fans the phase's webhook directives out to their
// receivers.
func (s *Service) notifyPolicyWebhooks(tokenID, requestID string, res *policy.Result) {
	for _, d := range res.Webhooks {
		s.webhooks.Dispatch(d.Action.URL, d.Action.Events,
			time.Duration(d.Action.TimeoutMS)*time.Millisecond, webhook.Event{
				Type:       webhook.EventPolicyTriggered,
				PolicyName: d.PolicyName,
				TokenID:    tokenID,
				RequestID:  requestID,
				Data: map[string]interface{}{
					"matched_policies": res.MatchedPolicies,
				},
			})
	}
}

// notifyApproval tells webhook receivers about approval lifecycle
// transitions for the held request.
func (s *Service) notifyApproval(eventType, tokenID, requestID string, req *approval.Request, res *policy.Result) {
	for _, d := range res.Webhooks {
		s.webhooks.Dispatch(d.Action.URL, d.Action.Events,
			time.Duration(d.Action.TimeoutMS)*time.Millisecond, webhook.Event{
				Type:       eventType,
				PolicyName: req.PolicyName,
				TokenID:    tokenID,
				RequestID:  requestID,
				Data: map[string]interface{}{
					"approval_id": req.ID,
					"status":      string(req.Status),
					"message":     req.Message,
				},
			})
	}
}

func (s *Service) recordShadow(entry *audit.Entry, violations []string) {
	if len(violations) == 0 {
		return
	}
	entry.ShadowViolations = append(entry.ShadowViolations, violations...)
	promShadowViolations.Add(float64(len(violations)))
}

// blockKind classifies a deny status for the block counter.
func blockKind(status int) string {
	switch status {
	case http.StatusTooManyRequests:
		return "rate_limit"
	case http.StatusPaymentRequired:
		return "spend_cap"
	default:
		return "deny"
	}
}

func rejectMessage(out *approval.Outcome) string {
	msg := "request rejected by reviewer"
	if out.DecidedBy != "" {
		msg = fmt.Sprintf("request rejected by %s", out.DecidedBy)
	}
	if out.Comment != "" {
		msg += ": " + out.Comment
	}
	return msg
}

// bearerSecret pulls the virtual token out of the Authorization header.
func bearerSecret(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// lowerHeaders flattens a header map for condition matching; multi-value
// headers keep their first value.
func lowerHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[strings.ToLower(name)] = values[0]
		}
	}
	return out
}

// clientIP prefers the first X-Forwarded-For hop over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseProperties decodes the X-Properties header; a malformed value is
// ignored rather than failing the call.
func parseProperties(raw string) map[string]interface{} {
	if raw == "" {
		return nil
	}
	var props map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil
	}
	return props
}

// writeError emits the gateway's JSON error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}
