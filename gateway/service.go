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

// Package gateway assembles the policy-driven LLM proxy: token
// resolution, policy evaluation, human approval, usage tracking,
// redaction, forwarding, and audit, behind one HTTP surface.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"tollgate/platform/gateway/approval"
	"tollgate/platform/gateway/audit"
	"tollgate/platform/gateway/forward"
	"tollgate/platform/gateway/policy"
	"tollgate/platform/gateway/token"
	"tollgate/platform/gateway/usage"
	"tollgate/platform/gateway/webhook"
	"tollgate/platform/shared/logger"
)

// Service owns every pipeline component and the HTTP surface over
// them.
type Service struct {
	cfg Config
	log *logger.Logger

	tokens    token.Store
	policies  policy.Store
	tracker   usage.Tracker
	engine    *policy.Engine
	approvals *approval.Coordinator
	forwarder *forward.Forwarder
	audits    audit.Store
	auditor   *audit.Writer
	webhooks  *webhook.Dispatcher
	pricing   usage.PricingTable

	db *sql.DB
}

// NewService wires the pipeline from configuration. Postgres and Redis
// back the stores when configured; otherwise everything runs in
// memory.
func NewService(cfg Config) (*Service, error) {
	lg := logger.New("gateway")

	s := &Service{
		cfg:     cfg,
		log:     lg,
		pricing: usage.DefaultPricing,
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		s.db = db
		tokStore, err := token.NewPostgresStore(db)
		if err != nil {
			return nil, err
		}
		s.tokens = tokStore
		polStore, err := policy.NewPostgresStore(db)
		if err != nil {
			return nil, err
		}
		s.policies = polStore
		auditStore, err := audit.NewPostgresStore(db)
		if err != nil {
			return nil, err
		}
		s.audits = auditStore
	} else {
		s.tokens = token.NewMemoryStore()
		s.policies = policy.NewMemoryStore()
		s.audits = audit.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		tracker, err := usage.NewRedisTracker(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.tracker = tracker
	} else {
		s.tracker = usage.NewMemoryTracker()
	}

	s.engine = policy.NewEngine(s.tracker, lg)
	s.approvals = approval.NewCoordinator(lg)
	s.forwarder = forward.NewForwarder(&http.Client{Timeout: cfg.UpstreamTimeout}, lg)
	s.auditor = audit.NewWriter(s.audits, lg)
	s.webhooks = webhook.NewDispatcher(nil, lg)

	if cfg.BootstrapPath != "" {
		if err := s.applyBootstrap(cfg.BootstrapPath); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) applyBootstrap(path string) error {
	b, err := LoadBootstrap(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	docs, err := b.policyDocuments()
	if err != nil {
		return err
	}
	for _, p := range docs {
		if err := s.policies.Save(ctx, p); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.Name, err)
		}
	}

	tokens, secrets, err := b.tokenRecords()
	if err != nil {
		return err
	}
	for i, tok := range tokens {
		if err := s.tokens.Create(ctx, tok, secrets[i]); err != nil {
			return fmt.Errorf("seed token %s: %w", tok.Name, err)
		}
	}
	s.log.Info("", "", "bootstrap applied",
		map[string]interface{}{"policies": len(docs), "tokens": len(tokens)})
	return nil
}

// Router builds the full HTTP surface. Admin routes are mounted before
// the catch-all proxy route, so /policies reaches the admin API and
// /v1/chat/completions reaches the upstream.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	admin := r.PathPrefix("").Subrouter()
	admin.Use(s.adminAuth)
	admin.HandleFunc("/policies", s.handleCreatePolicy).Methods(http.MethodPost)
	admin.HandleFunc("/policies", s.handleListPolicies).Methods(http.MethodGet)
	admin.HandleFunc("/policies/{id}", s.handleGetPolicy).Methods(http.MethodGet)
	admin.HandleFunc("/policies/{id}", s.handleUpdatePolicy).Methods(http.MethodPut)
	admin.HandleFunc("/policies/{id}", s.handleDeletePolicy).Methods(http.MethodDelete)
	admin.HandleFunc("/tokens", s.handleCreateToken).Methods(http.MethodPost)
	admin.HandleFunc("/tokens", s.handleListTokens).Methods(http.MethodGet)
	admin.HandleFunc("/tokens/{id}", s.handleRevokeToken).Methods(http.MethodDelete)
	admin.HandleFunc("/tokens/{id}/policies", s.handleSetTokenPolicies).Methods(http.MethodPut)
	admin.HandleFunc("/approvals", s.handleListApprovals).Methods(http.MethodGet)
	admin.HandleFunc("/approvals/{id}/decision", s.handleApprovalDecision).Methods(http.MethodPost)
	admin.HandleFunc("/audit", s.handleListAudit).Methods(http.MethodGet)
	admin.HandleFunc("/audit/{id}", s.handleGetAudit).Methods(http.MethodGet)
	admin.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	admin.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)

	r.PathPrefix("/").HandlerFunc(s.handleProxy)
	return r
}

// handleHealth answers liveness probes. It does not touch the backing
// stores.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck
}

// Close flushes audit state and releases resources.
func (s *Service) Close() {
	s.auditor.Close()
	s.webhooks.Wait()
	s.approvals.Close()
	if mt, ok := s.tracker.(*usage.MemoryTracker); ok {
		mt.Close()
	}
	if s.db != nil {
		s.db.Close() //nolint:errcheck
	}
}

// Run is the entry point used by cmd/gateway.
func Run() {
	cfg := ConfigFromEnv()
	svc, err := NewService(cfg)
	if err != nil {
		log.Fatalf("gateway init failed: %v", err)
	}
	defer svc.Close()

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(svc.Router())

	svc.log.Info("", "", "gateway listening", map[string]interface{}{"port": cfg.Port})
	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
