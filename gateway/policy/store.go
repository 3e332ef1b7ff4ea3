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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// ErrPolicyNotFound is returned for lookups of unknown policy IDs.
var ErrPolicyNotFound = errors.New("policy not found")

// Store is the persistence surface for policy documents. Documents are
// validated before Save; the engine treats whatever comes back as
// trusted, failing closed only on corruption.
type Store interface {
	// Save inserts or replaces a policy.
	Save(ctx context.Context, p *Policy) error

	// Get fetches one policy, including soft-deleted ones.
	Get(ctx context.Context, id string) (*Policy, error)

	// GetMany fetches policies preserving the requested order. IDs
	// that no longer exist are skipped, same as soft-deleted entries
	// are skipped at evaluation time.
	GetMany(ctx context.Context, ids []string) ([]*Policy, error)

	// List returns all non-deleted policies, newest first.
	List(ctx context.Context) ([]*Policy, error)

	// Delete soft-deletes a policy.
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps policies in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*Policy)}
}

var _ Store = (*MemoryStore)(nil)

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := *p
	s.policies[p.ID] = &snap
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	snap := *p
	return &snap, nil
}

// GetMany implements Store.
func (s *MemoryStore) GetMany(ctx context.Context, ids []string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.policies[id]; ok {
			snap := *p
			out = append(out, &snap)
		}
	}
	return out, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]*Policy, error) {
	s.mu.RLock()
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if p.Deleted {
			continue
		}
		snap := *p
		out = append(out, &snap)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return ErrPolicyNotFound
	}
	p.Deleted = true
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// PostgresStore keeps policies as JSONB documents: the rule shapes vary
// per action kind, which is what JSONB is for, and the columns that
// queries actually filter on are lifted out.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle and ensures the
// schema exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	query := `
	CREATE TABLE IF NOT EXISTS gateway_policies (
		id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		project_id VARCHAR(255),
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		document JSONB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_gw_policies_project ON gateway_policies(project_id);
	`
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("create policy tables: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

var _ Store = (*PostgresStore)(nil)

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, p *Policy) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	query := `
		INSERT INTO gateway_policies (id, name, project_id, deleted, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			project_id = EXCLUDED.project_id,
			deleted = EXCLUDED.deleted,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.ProjectID, p.Deleted, doc, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Policy, error) {
	var (
		doc     []byte
		deleted bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT document, deleted FROM gateway_policies WHERE id = $1`, id).Scan(&doc, &deleted)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	p, err := decodePolicy(doc)
	if err != nil {
		return nil, err
	}
	p.Deleted = deleted
	return p, nil
}

// GetMany implements Store.
func (s *PostgresStore) GetMany(ctx context.Context, ids []string) ([]*Policy, error) {
	out := make([]*Policy, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if errors.Is(err, ErrPolicyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM gateway_policies WHERE deleted = false ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list policies: %w", err)
		}
		p, err := decodePolicy(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_policies
		SET deleted = true, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if n == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func decodePolicy(doc []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode policy document: %w", err)
	}
	return &p, nil
}
