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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"tollgate/platform/gateway/approval"
	"tollgate/platform/gateway/audit"
	"tollgate/platform/gateway/policy"
	"tollgate/platform/gateway/token"
)

// adminAuth guards the management surface with an HMAC-signed JWT. An
// empty ADMIN_JWT_SECRET disables the check, which is how local
// development and the test suite run.
func (s *Service) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminJWTSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := bearerSecret(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}
		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.AdminJWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// handleCreatePolicy validates and stores a policy document. A document
// that fails validation, including an unknown mode, is a 400.
func (s *Service) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	p, err := policy.ParsePolicy(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := s.policies.Save(r.Context(), p); err != nil {
		s.log.Error("", "", "policy save failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to store policy")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Service) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	pols, err := s.policies.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list policies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": pols, "count": len(pols)})
}

func (s *Service) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load policy")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleUpdatePolicy replaces a policy document in place; the path ID
// wins over any ID in the body.
func (s *Service) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, err := s.policies.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load policy")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	p, err := policy.ParsePolicy(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p.ID = id
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	if err := s.policies.Save(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store policy")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.policies.Delete(r.Context(), id); err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete policy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "id": id})
}

// createTokenRequest is the admin API shape for minting a virtual token.
type createTokenRequest struct {
	Name        string           `json:"name"`
	ProjectID   string           `json:"project_id,omitempty"`
	UpstreamURL string           `json:"upstream_url"`
	Credential  token.Credential `json:"credential"`
	Secret      string           `json:"credential_secret,omitempty"`
	PolicyIDs   []string         `json:"policy_ids,omitempty"`
}

// handleCreateToken mints a virtual token. The opaque secret appears in
// this response and nowhere else; only its hash is stored.
func (s *Service) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.UpstreamURL == "" {
		writeError(w, http.StatusBadRequest, "name and upstream_url are required")
		return
	}
	if req.Secret != "" {
		req.Credential.Secret = req.Secret
	}
	if err := req.Credential.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, pid := range req.PolicyIDs {
		if _, err := s.policies.Get(r.Context(), pid); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown policy %q", pid))
			return
		}
	}

	secret, err := token.GenerateSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token secret")
		return
	}
	tok := token.New(req.Name, req.ProjectID, req.UpstreamURL, req.Credential, req.PolicyIDs)
	if err := s.tokens.Create(r.Context(), tok, secret); err != nil {
		s.log.Error("", "", "token create failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to store token")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"token": tok, "secret": secret})
}

func (s *Service) handleListTokens(w http.ResponseWriter, r *http.Request) {
	toks, err := s.tokens.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": toks, "count": len(toks)})
}

// handleRevokeToken deactivates a token. Revoking an unknown or already
// revoked ID answers revoked=false rather than an error, so the call is
// safe to repeat.
func (s *Service) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	revoked, err := s.tokens.Revoke(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": revoked, "id": id})
}

// handleSetTokenPolicies replaces a token's ordered policy attachment.
func (s *Service) handleSetTokenPolicies(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		PolicyIDs []string `json:"policy_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	for _, pid := range req.PolicyIDs {
		if _, err := s.policies.Get(r.Context(), pid); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown policy %q", pid))
			return
		}
	}
	if err := s.tokens.SetPolicies(r.Context(), id, req.PolicyIDs); err != nil {
		if errors.Is(err, token.ErrTokenNotFound) {
			writeError(w, http.StatusNotFound, "token not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update token policies")
		return
	}
	tok, err := s.tokens.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load token")
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Service) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := approval.Status(r.URL.Query().Get("status"))
	reqs := s.approvals.List(status)
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": reqs, "count": len(reqs)})
}

// approvalDecisionRequest is the reviewer's verdict on a held request.
type approvalDecisionRequest struct {
	Decision  string `json:"decision"` // approved or rejected
	DecidedBy string `json:"decided_by,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// handleApprovalDecision lands a reviewer decision. A request that
// already reached a terminal state answers 409 with its current state.
func (s *Service) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req approvalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var status approval.Status
	switch req.Decision {
	case "approved", "approve":
		status = approval.StatusApproved
	case "rejected", "reject":
		status = approval.StatusRejected
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid decision %q", req.Decision))
		return
	}

	snap, updated, err := s.approvals.Resolve(id, status, req.DecidedBy, req.Comment)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if !updated {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":    "approval already resolved",
			"approval": snap,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approval": snap})
}

func (s *Service) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		TokenID:   q.Get("token_id"),
		SessionID: q.Get("session_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = limit
	}

	// Recent entries may still sit in the writer's queue.
	s.auditor.Flush()

	entries, err := s.audits.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Service) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	s.auditor.Flush()

	e, err := s.audits.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, audit.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, "audit entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load audit entry")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.auditor.Flush()

	sessions, err := s.audits.Sessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions, "count": len(sessions)})
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.auditor.Flush()

	sess, err := s.audits.Session(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, audit.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
