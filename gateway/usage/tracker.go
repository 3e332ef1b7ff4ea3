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

package usage

import (
	"context"
	"sync"
	"time"
)

// Scope shards counters so independent callers never contend on the
// same bucket.
type Scope string

const (
	ScopePerToken Scope = "per_token"
	ScopePerAgent Scope = "per_agent"
	ScopePerIP    Scope = "per_ip"
	ScopePerUser  Scope = "per_user"
	ScopeGlobal   Scope = "global"
)

// Tracker maintains windowed request and spend counters. Implementations
// must be safe under arbitrary concurrent access: every call observes
// exactly-once increment semantics, no request is double-counted or lost.
type Tracker interface {
	// IncrCount atomically increments the request counter for key in the
	// window's current bucket and returns the count after the increment.
	IncrCount(ctx context.Context, key string, w Window) (int64, error)

	// CurrentSpend returns the spend accumulated so far in the window's
	// current bucket, excluding any cost of the in-flight request.
	CurrentSpend(ctx context.Context, key string, w Window) (float64, error)

	// AddSpend adds usd to the spend counter for key in the window's
	// current bucket. Called only after a successful upstream response.
	AddSpend(ctx context.Context, key string, w Window, usd float64) error
}

type bucket struct {
	count   int64
	spend   float64
	expires time.Time
}

// MemoryTracker is the in-process Tracker. A single mutex over the
// bucket map keeps check-and-increment atomic; contention is acceptable
// because the critical section is a map lookup and an add.
type MemoryTracker struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	now      func() time.Time
	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryTracker creates a tracker with a background compaction loop
// that drops expired window buckets. Call Close on shutdown.
func NewMemoryTracker() *MemoryTracker {
	t := &MemoryTracker{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go t.compactLoop()
	return t
}

func (t *MemoryTracker) bucketFor(key string, w Window) *bucket {
	now := t.now()
	full := w.BucketKey(now) + ":" + key
	b, ok := t.buckets[full]
	if !ok {
		b = &bucket{}
		if ttl := w.TTL(); ttl > 0 {
			b.expires = now.Add(ttl)
		}
		t.buckets[full] = b
	}
	return b
}

// IncrCount implements Tracker.
func (t *MemoryTracker) IncrCount(ctx context.Context, key string, w Window) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bucketFor(key, w)
	b.count++
	return b.count, nil
}

// CurrentSpend implements Tracker.
func (t *MemoryTracker) CurrentSpend(ctx context.Context, key string, w Window) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.bucketFor(key, w).spend, nil
}

// AddSpend implements Tracker.
func (t *MemoryTracker) AddSpend(ctx context.Context, key string, w Window, usd float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bucketFor(key, w).spend += usd
	return nil
}

// Close stops the compaction loop.
func (t *MemoryTracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *MemoryTracker) compactLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.compact()
		case <-t.stop:
			return
		}
	}
}

func (t *MemoryTracker) compact() {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for key, b := range t.buckets {
		if !b.expires.IsZero() && now.After(b.expires) {
			delete(t.buckets, key)
		}
	}
}
