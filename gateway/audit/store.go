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
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrEntryNotFound is returned for lookups of unknown entry IDs.
var ErrEntryNotFound = errors.New("audit entry not found")

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	TokenID   string
	SessionID string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Store is the persistence surface behind the audit writer.
type Store interface {
	// InsertBatch persists entries; it is called from the writer's
	// flush path with one or more entries.
	InsertBatch(ctx context.Context, entries []*Entry) error

	// Get fetches one entry by ID.
	Get(ctx context.Context, id string) (*Entry, error)

	// List returns entries newest first.
	List(ctx context.Context, f Filter) ([]*Entry, error)

	// Sessions aggregates entries by session ID at read time.
	Sessions(ctx context.Context) ([]*Session, error)

	// Session aggregates one session's entries.
	Session(ctx context.Context, sessionID string) (*Session, error)
}

// MemoryStore keeps entries in process memory for tests and
// single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Entry)}
}

var _ Store = (*MemoryStore)(nil)

// InsertBatch implements Store.
func (s *MemoryStore) InsertBatch(ctx context.Context, entries []*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		snap := *e
		s.entries = append(s.entries, &snap)
		s.byID[e.ID] = &snap
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	snap := *e
	return &snap, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	s.mu.RLock()
	var out []*Entry
	for _, e := range s.entries {
		if f.TokenID != "" && e.TokenID != f.TokenID {
			continue
		}
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		snap := *e
		out = append(out, &snap)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Sessions implements Store.
func (s *MemoryStore) Sessions(ctx context.Context) ([]*Session, error) {
	entries, err := s.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	byID := Aggregate(entries)
	out := make([]*Session, 0, len(byID))
	for _, sess := range byID {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

// Session implements Store.
func (s *MemoryStore) Session(ctx context.Context, sessionID string) (*Session, error) {
	entries, err := s.List(ctx, Filter{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	sess, ok := Aggregate(entries)[sessionID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return sess, nil
}
