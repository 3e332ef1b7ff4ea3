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

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists audit entries in the gateway_audit_logs table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle and ensures the
// schema exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if err := createAuditTables(db); err != nil {
		return nil, fmt.Errorf("create audit tables: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

var _ Store = (*PostgresStore)(nil)

func createAuditTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS gateway_audit_logs (
		id VARCHAR(255) PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		token_id VARCHAR(255) NOT NULL,
		project_id VARCHAR(255),
		agent_name VARCHAR(255),
		session_id VARCHAR(255),
		method VARCHAR(16) NOT NULL,
		path TEXT NOT NULL,
		model VARCHAR(100),
		upstream_status INTEGER,
		gateway_status INTEGER NOT NULL,
		latency_ms BIGINT,
		policy_result VARCHAR(16) NOT NULL,
		deny_reason TEXT,
		hitl_required BOOLEAN NOT NULL DEFAULT FALSE,
		hitl_decision VARCHAR(16),
		hitl_latency_ms BIGINT,
		cost_usd DECIMAL(12, 6),
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		fields_redacted JSONB,
		shadow_violations JSONB,
		custom_properties JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_gw_audit_timestamp ON gateway_audit_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_gw_audit_token_id ON gateway_audit_logs(token_id);
	CREATE INDEX IF NOT EXISTS idx_gw_audit_session_id ON gateway_audit_logs(session_id);
	`
	_, err := db.Exec(query)
	return err
}

const auditColumns = `id, request_id, timestamp, token_id, project_id, agent_name, session_id,
	method, path, model, upstream_status, gateway_status, latency_ms,
	policy_result, deny_reason, hitl_required, hitl_decision, hitl_latency_ms,
	cost_usd, prompt_tokens, completion_tokens,
	fields_redacted, shadow_violations, custom_properties`

// InsertBatch implements Store.
func (s *PostgresStore) InsertBatch(ctx context.Context, entries []*Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO gateway_audit_logs (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`)
	if err != nil {
		return err
	}
	defer stmt.Close() //nolint:errcheck

	for _, e := range entries {
		redactedJSON, _ := json.Marshal(e.FieldsRedacted)
		violationsJSON, _ := json.Marshal(e.ShadowViolations)
		propsJSON, _ := json.Marshal(e.CustomProperties)

		if _, err := stmt.ExecContext(ctx,
			e.ID, e.RequestID, e.Timestamp, e.TokenID, e.ProjectID, e.AgentName, e.SessionID,
			e.Method, e.Path, e.Model, e.UpstreamStatus, e.GatewayStatus, e.LatencyMS,
			e.PolicyResult, e.DenyReason, e.HITLRequired, e.HITLDecision, e.HITLLatencyMS,
			e.CostUSD, e.PromptTokens, e.CompletionTokens,
			redactedJSON, violationsJSON, propsJSON,
		); err != nil {
			return fmt.Errorf("insert audit entry %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	query := `SELECT ` + auditColumns + ` FROM gateway_audit_logs WHERE id = $1`
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry: %w", err)
	}
	return e, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `SELECT ` + auditColumns + ` FROM gateway_audit_logs WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TokenID != "" {
		query += " AND token_id = " + arg(f.TokenID)
	}
	if f.SessionID != "" {
		query += " AND session_id = " + arg(f.SessionID)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= " + arg(f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= " + arg(f.Until)
	}
	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list audit entries: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const sessionAggregate = `
	SELECT session_id,
		COUNT(*) AS total_requests,
		COALESCE(SUM(cost_usd), 0) AS total_cost_usd,
		COALESCE(SUM(prompt_tokens), 0) AS total_prompt_tokens,
		COALESCE(SUM(latency_ms), 0) AS total_latency_ms,
		MIN(timestamp) AS first_seen,
		MAX(timestamp) AS last_seen
	FROM gateway_audit_logs
	WHERE session_id IS NOT NULL AND session_id <> ''`

// Sessions implements Store.
func (s *PostgresStore) Sessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionAggregate+` GROUP BY session_id ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("aggregate sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("aggregate sessions: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Session implements Store.
func (s *PostgresStore) Session(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sessionAggregate+` AND session_id = $1 GROUP BY session_id`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("aggregate session: %w", err)
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e              Entry
		redactedJSON   []byte
		violationsJSON []byte
		propsJSON      []byte
	)
	err := row.Scan(
		&e.ID, &e.RequestID, &e.Timestamp, &e.TokenID, &e.ProjectID, &e.AgentName, &e.SessionID,
		&e.Method, &e.Path, &e.Model, &e.UpstreamStatus, &e.GatewayStatus, &e.LatencyMS,
		&e.PolicyResult, &e.DenyReason, &e.HITLRequired, &e.HITLDecision, &e.HITLLatencyMS,
		&e.CostUSD, &e.PromptTokens, &e.CompletionTokens,
		&redactedJSON, &violationsJSON, &propsJSON,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(redactedJSON, &e.FieldsRedacted)
	_ = json.Unmarshal(violationsJSON, &e.ShadowViolations)
	_ = json.Unmarshal(propsJSON, &e.CustomProperties)
	return &e, nil
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s         Session
		firstSeen time.Time
		lastSeen  time.Time
	)
	if err := row.Scan(&s.SessionID, &s.TotalRequests, &s.TotalCostUSD,
		&s.TotalPromptTokens, &s.TotalLatencyMS, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	s.FirstSeen = firstSeen
	s.LastSeen = lastSeen
	return &s, nil
}
