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

package token

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists tokens in the virtual_tokens table. Secrets
// are stored only as SHA-256 hashes; the upstream credential secret is
// stored as-is and protecting it at rest is the operator's concern.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle and ensures the
// schema exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	query := `
	CREATE TABLE IF NOT EXISTS virtual_tokens (
		id VARCHAR(255) PRIMARY KEY,
		secret_hash VARCHAR(64) NOT NULL UNIQUE,
		name VARCHAR(255) NOT NULL,
		project_id VARCHAR(255),
		upstream_url TEXT NOT NULL,
		scopes TEXT[],
		policy_ids TEXT[],
		credential_mode VARCHAR(32) NOT NULL,
		credential_header VARCHAR(255),
		credential_secret TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_virtual_tokens_hash ON virtual_tokens(secret_hash);
	`
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("create token tables: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

var _ Store = (*PostgresStore)(nil)

const tokenColumns = `id, name, project_id, upstream_url, scopes, policy_ids,
	credential_mode, credential_header, credential_secret, active, created_at, revoked_at`

// Resolve implements Store.
func (s *PostgresStore) Resolve(ctx context.Context, secret string) (*Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM virtual_tokens WHERE secret_hash = $1`
	tok, err := scanToken(s.db.QueryRowContext(ctx, query, HashSecret(secret)))
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	if !tok.Active {
		return nil, ErrTokenRevoked
	}
	return tok, nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, tok *Token, secret string) error {
	query := `
		INSERT INTO virtual_tokens (
			id, secret_hash, name, project_id, upstream_url, scopes, policy_ids,
			credential_mode, credential_header, credential_secret, active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.ExecContext(ctx, query,
		tok.ID, HashSecret(secret), tok.Name, tok.ProjectID, tok.UpstreamURL,
		pq.Array(tok.Scopes), pq.Array(tok.PolicyIDs),
		tok.Credential.Mode, tok.Credential.Header, tok.Credential.Secret,
		tok.Active, tok.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM virtual_tokens WHERE id = $1`
	tok, err := scanToken(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return tok, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]*Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM virtual_tokens ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []*Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("list tokens: %w", err)
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// Revoke implements Store.
func (s *PostgresStore) Revoke(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE virtual_tokens
		SET active = false, revoked_at = NOW()
		WHERE id = $1 AND active = true`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	return n > 0, nil
}

// SetPolicies implements Store.
func (s *PostgresStore) SetPolicies(ctx context.Context, id string, policyIDs []string) error {
	query := `UPDATE virtual_tokens SET policy_ids = $2 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id, pq.Array(policyIDs))
	if err != nil {
		return fmt.Errorf("set token policies: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set token policies: %w", err)
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row rowScanner) (*Token, error) {
	var (
		tok       Token
		scopes    pq.StringArray
		policyIDs pq.StringArray
		revokedAt sql.NullTime
	)
	err := row.Scan(
		&tok.ID, &tok.Name, &tok.ProjectID, &tok.UpstreamURL,
		&scopes, &policyIDs,
		&tok.Credential.Mode, &tok.Credential.Header, &tok.Credential.Secret,
		&tok.Active, &tok.CreatedAt, &revokedAt,
	)
	if err != nil {
		return nil, err
	}
	tok.Scopes = scopes
	tok.PolicyIDs = policyIDs
	if revokedAt.Valid {
		tok.RevokedAt = &revokedAt.Time
	}
	return &tok, nil
}
