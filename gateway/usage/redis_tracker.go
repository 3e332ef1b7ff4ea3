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
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisTracker is the distributed Tracker for multi-instance deployments.
// Counters live in Redis keyed by window bucket, so every gateway
// instance observes the same counts. Increment atomicity comes from
// Redis INCR/INCRBYFLOAT.
type RedisTracker struct {
	client *redis.Client
}

// NewRedisTracker connects to Redis at redisURL
// (format: redis://host:port or redis://host:port/db).
func NewRedisTracker(redisURL string) (*RedisTracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisTracker{client: client}, nil
}

func (t *RedisTracker) countKey(key string, w Window) string {
	return fmt.Sprintf("usage:count:%s:%s", w.BucketKey(time.Now()), key)
}

func (t *RedisTracker) spendKey(key string, w Window) string {
	return fmt.Sprintf("usage:spend:%s:%s", w.BucketKey(time.Now()), key)
}

// IncrCount implements Tracker.
func (t *RedisTracker) IncrCount(ctx context.Context, key string, w Window) (int64, error) {
	rkey := t.countKey(key, w)

	pipe := t.client.Pipeline()
	incr := pipe.Incr(ctx, rkey)
	if ttl := w.TTL(); ttl > 0 {
		pipe.Expire(ctx, rkey, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis rate counter increment failed: %w", err)
	}
	return incr.Val(), nil
}

// CurrentSpend implements Tracker.
func (t *RedisTracker) CurrentSpend(ctx context.Context, key string, w Window) (float64, error) {
	val, err := t.client.Get(ctx, t.spendKey(key, w)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis spend lookup failed: %w", err)
	}
	return val, nil
}

// AddSpend implements Tracker.
func (t *RedisTracker) AddSpend(ctx context.Context, key string, w Window, usd float64) error {
	rkey := t.spendKey(key, w)

	pipe := t.client.Pipeline()
	pipe.IncrByFloat(ctx, rkey, usd)
	if ttl := w.TTL(); ttl > 0 {
		pipe.Expire(ctx, rkey, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis spend increment failed: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}
