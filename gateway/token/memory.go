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
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps tokens in process memory, indexed both by ID and by
// secret hash. Suitable for tests and single-node self-hosted runs
// seeded from the bootstrap config.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Token
	byHash map[string]string // secret hash -> token ID
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Token),
		byHash: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

// Resolve implements Store.
func (s *MemoryStore) Resolve(ctx context.Context, secret string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[HashSecret(secret)]
	if !ok {
		return nil, ErrTokenNotFound
	}
	tok := s.byID[id]
	if tok == nil {
		return nil, ErrTokenNotFound
	}
	if !tok.Active {
		return nil, ErrTokenRevoked
	}
	snap := cloneToken(tok)
	return snap, nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, tok *Token, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[tok.ID] = cloneToken(tok)
	s.byHash[HashSecret(secret)] = tok.ID
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.byID[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return cloneToken(tok), nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]*Token, error) {
	s.mu.RLock()
	out := make([]*Token, 0, len(s.byID))
	for _, tok := range s.byID {
		out = append(out, cloneToken(tok))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Revoke implements Store.
func (s *MemoryStore) Revoke(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byID[id]
	if !ok || !tok.Active {
		return false, nil
	}
	now := time.Now().UTC()
	tok.Active = false
	tok.RevokedAt = &now
	return true, nil
}

// SetPolicies implements Store.
func (s *MemoryStore) SetPolicies(ctx context.Context, id string, policyIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byID[id]
	if !ok {
		return ErrTokenNotFound
	}
	tok.PolicyIDs = append([]string(nil), policyIDs...)
	return nil
}

func cloneToken(t *Token) *Token {
	snap := *t
	snap.Scopes = append([]string(nil), t.Scopes...)
	snap.PolicyIDs = append([]string(nil), t.PolicyIDs...)
	return &snap
}
