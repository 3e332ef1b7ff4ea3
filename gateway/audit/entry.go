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

// Package audit records exactly one entry per proxied request, after
// the pipeline (including any approval wait) reaches a terminal
// outcome. Sessions are a read-time aggregation over entries sharing a
// session ID, never a separately maintained object.
package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PolicyResult classifies how the policy layer treated the request.
const (
	ResultAllow  = "allow"
	ResultDeny   = "deny"
	ResultShadow = "shadow"
)

// Entry is the per-request audit record.
type Entry struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	TokenID   string `json:"token_id"`
	ProjectID string `json:"project_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Method         string `json:"method"`
	Path           string `json:"path"`
	Model          string `json:"model,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	GatewayStatus  int    `json:"gateway_status"`
	LatencyMS      int64  `json:"latency_ms"`

	PolicyResult  string `json:"policy_result"` // allow, deny, shadow
	DenyReason    string `json:"deny_reason,omitempty"`
	HITLRequired  bool   `json:"hitl_required"`
	HITLDecision  string `json:"hitl_decision,omitempty"`
	HITLLatencyMS int64  `json:"hitl_latency_ms,omitempty"`

	CostUSD          float64 `json:"cost_usd"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`

	FieldsRedacted   []string               `json:"fields_redacted,omitempty"`
	ShadowViolations []string               `json:"shadow_violations,omitempty"`
	CustomProperties map[string]interface{} `json:"custom_properties,omitempty"`
}

// NewEntry stamps identity and time; the pipeline fills the rest.
func NewEntry(requestID string) *Entry {
	return &Entry{
		ID:        fmt.Sprintf("audit_%s", uuid.New().String()),
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}
}

// Session is the read-time rollup of entries sharing a session ID.
type Session struct {
	SessionID         string    `json:"session_id"`
	TotalRequests     int64     `json:"total_requests"`
	TotalCostUSD      float64   `json:"total_cost_usd"`
	TotalPromptTokens int64     `json:"total_prompt_tokens"`
	TotalLatencyMS    int64     `json:"total_latency_ms"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
}

// Aggregate folds entries into per-session rollups. Entries without a
// session ID are skipped; a request outside any session belongs to no
// rollup.
func Aggregate(entries []*Entry) map[string]*Session {
	sessions := make(map[string]*Session)
	for _, e := range entries {
		if e.SessionID == "" {
			continue
		}
		s, ok := sessions[e.SessionID]
		if !ok {
			s = &Session{SessionID: e.SessionID, FirstSeen: e.Timestamp, LastSeen: e.Timestamp}
			sessions[e.SessionID] = s
		}
		s.TotalRequests++
		s.TotalCostUSD += e.CostUSD
		s.TotalPromptTokens += int64(e.PromptTokens)
		s.TotalLatencyMS += e.LatencyMS
		if e.Timestamp.Before(s.FirstSeen) {
			s.FirstSeen = e.Timestamp
		}
		if e.Timestamp.After(s.LastSeen) {
			s.LastSeen = e.Timestamp
		}
	}
	return sessions
}
