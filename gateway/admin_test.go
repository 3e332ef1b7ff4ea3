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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/platform/gateway/approval"
)

func adminCall(svc *Service, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	svc := newTestService(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := adminCall(svc, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "ok", rec.Body.String(), path)
	}
}

func TestCreatePolicyInvalidMode(t *testing.T) {
	svc := newTestService(t)
	rec := adminCall(svc, http.MethodPost, "/policies", `{
		"name": "bad", "mode": "observe",
		"rules": [{"type": "deny", "message": "no"}]
	}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid policy mode")
}

func TestCreatePolicyRejectsMalformedJSON(t *testing.T) {
	svc := newTestService(t)
	rec := adminCall(svc, http.MethodPost, "/policies", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolicyCRUD(t *testing.T) {
	svc := newTestService(t)

	rec := adminCall(svc, http.MethodPost, "/policies", `{
		"name": "limits", "mode": "enforce",
		"rules": [{"type": "rate_limit", "window": "1m", "max_requests": 10}]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "limits", created["name"])

	rec = adminCall(svc, http.MethodGet, "/policies/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = adminCall(svc, http.MethodGet, "/policies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = adminCall(svc, http.MethodPut, "/policies/"+id, `{
		"name": "limits-v2", "mode": "enforce",
		"rules": [{"type": "rate_limit", "window": "1m", "max_requests": 20}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody(t, rec)
	assert.Equal(t, id, updated["id"], "path ID wins over body")
	assert.Equal(t, "limits-v2", updated["name"])

	rec = adminCall(svc, http.MethodPut, "/policies/missing", `{"name":"x","mode":"enforce","rules":[{"type":"deny"}]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = adminCall(svc, http.MethodDelete, "/policies/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = adminCall(svc, http.MethodDelete, "/policies/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTokenFlow(t *testing.T) {
	svc := newTestService(t)
	up := newFakeUpstream(t, http.StatusOK, upstreamReply)

	rec := adminCall(svc, http.MethodPost, "/tokens", `{
		"name": "prod-agent",
		"upstream_url": "`+up.srv.URL+`",
		"credential": {"mode": "bearer"},
		"credential_secret": "sk-real-provider-key"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	secret, _ := created["secret"].(string)
	require.True(t, strings.HasPrefix(secret, "tg_"), "got %q", secret)

	// The minted secret is live immediately.
	prec := proxyCall(svc, secret, chatBody, nil)
	assert.Equal(t, http.StatusOK, prec.Code)

	// Listings never echo secrets.
	rec = adminCall(svc, http.MethodGet, "/tokens", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), secret)
	assert.NotContains(t, rec.Body.String(), "sk-real-provider-key")
}

func TestCreateTokenValidation(t *testing.T) {
	svc := newTestService(t)

	rec := adminCall(svc, http.MethodPost, "/tokens", `{"upstream_url": "http://up"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = adminCall(svc, http.MethodPost, "/tokens", `{
		"name": "a", "upstream_url": "http://up",
		"credential": {"mode": "teleport"}
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = adminCall(svc, http.MethodPost, "/tokens", `{
		"name": "a", "upstream_url": "http://up",
		"credential": {"mode": "bearer"},
		"policy_ids": ["no-such-policy"]
	}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown policy")
}

func TestRevokeTokenIdempotent(t *testing.T) {
	svc := newTestService(t)
	up := newFakeUpstream(t, http.StatusOK, upstreamReply)
	secret := seedToken(t, svc, up.srv.URL)

	toks, err := svc.tokens.List(context.Background())
	require.NoError(t, err)
	require.Len(t, toks, 1)
	id := toks[0].ID

	rec := adminCall(svc, http.MethodDelete, "/tokens/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["revoked"])

	rec = adminCall(svc, http.MethodDelete, "/tokens/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["revoked"])

	rec = adminCall(svc, http.MethodDelete, "/tokens/never-existed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["revoked"])

	prec := proxyCall(svc, secret, chatBody, nil)
	assert.Equal(t, http.StatusUnauthorized, prec.Code)
}

func TestSetTokenPolicies(t *testing.T) {
	svc := newTestService(t)
	up := newFakeUpstream(t, http.StatusOK, upstreamReply)
	secret := seedToken(t, svc, up.srv.URL)

	toks, err := svc.tokens.List(context.Background())
	require.NoError(t, err)
	require.Len(t, toks, 1)
	id := toks[0].ID

	polID := seedPolicy(t, svc, `{
		"name": "deny-all", "mode": "enforce",
		"rules": [{"type": "deny", "message": "blocked"}]
	}`)

	rec := adminCall(svc, http.MethodPut, "/tokens/"+id+"/policies", `{"policy_ids": ["nope"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown policy")

	rec = adminCall(svc, http.MethodPut, "/tokens/missing/policies", `{"policy_ids": []}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = adminCall(svc, http.MethodPut, "/tokens/"+id+"/policies", `{"policy_ids": ["`+polID+`"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// The attachment takes effect on the next proxied call.
	prec := proxyCall(svc, secret, chatBody, nil)
	assert.Equal(t, http.StatusForbidden, prec.Code)
	hits, _, _, _ := up.snapshot()
	assert.Equal(t, 0, hits)
}

func TestApprovalDecisionEndpoint(t *testing.T) {
	svc := newTestService(t)
	req := svc.approvals.Create(approval.CreateParams{
		TokenID: "tok-1", RequestID: "req-1", PolicyName: "hold",
		Method: "POST", Path: "/v1/chat/completions",
	})

	rec := adminCall(svc, http.MethodGet, "/approvals?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = adminCall(svc, http.MethodPost, "/approvals/"+req.ID+"/decision", `{"decision": "maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = adminCall(svc, http.MethodPost, "/approvals/missing/decision", `{"decision": "approved"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = adminCall(svc, http.MethodPost, "/approvals/"+req.ID+"/decision",
		`{"decision": "approved", "decided_by": "ops@co"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Terminal states are sticky; a second decision conflicts.
	rec = adminCall(svc, http.MethodPost, "/approvals/"+req.ID+"/decision", `{"decision": "rejected"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	svc := newTestService(t)
	up := newFakeUpstream(t, http.StatusOK, upstreamReply)
	secret := seedToken(t, svc, up.srv.URL)

	for i := 0; i < 3; i++ {
		rec := proxyCall(svc, secret, chatBody, map[string]string{"X-Session-ID": "sess-a"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := adminCall(svc, http.MethodGet, "/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decodeBody(t, rec)["count"])

	rec = adminCall(svc, http.MethodGet, "/audit?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = adminCall(svc, http.MethodGet, "/audit?limit=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	entries := auditEntries(t, svc)
	require.NotEmpty(t, entries)
	rec = adminCall(svc, http.MethodGet, "/audit/"+entries[0].ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = adminCall(svc, http.MethodGet, "/audit/audit_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = adminCall(svc, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = adminCall(svc, http.MethodGet, "/sessions/sess-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decodeBody(t, rec)
	assert.Equal(t, float64(3), sess["total_requests"])
	assert.InDelta(t, 0.27, sess["total_cost_usd"].(float64), 1e-9)

	rec = adminCall(svc, http.MethodGet, "/sessions/sess-missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	svc, err := NewService(Config{AdminJWTSecret: "test-admin-secret", UpstreamTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	rec := adminCall(svc, http.MethodGet, "/policies", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/policies", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	bad := httptest.NewRecorder()
	svc.Router().ServeHTTP(bad, req)
	assert.Equal(t, http.StatusUnauthorized, bad.Code)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@co",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-admin-secret"))
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/policies", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	good := httptest.NewRecorder()
	svc.Router().ServeHTTP(good, req)
	assert.Equal(t, http.StatusOK, good.Code)

	// Health never needs credentials.
	rec = adminCall(svc, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
