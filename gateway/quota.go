// Copyright 2025 IntentGate
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
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"intentgate/platform/shared/logger"
)

// QuotaDecision is the outcome of one admission check.
type QuotaDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds; set only on denial
}

// QuotaStore is the optional distributed backend. Failures fall back
// to the in-process counter per user.
type QuotaStore interface {
	// IncrementAndCheck atomically increments the user's daily counter
	// and returns the new count.
	IncrementAndCheck(ctx context.Context, userID string, resetAt time.Time) (int, error)
	// Get returns the current count without incrementing.
	Get(ctx context.Context, userID string) (int, error)
	// Reset clears the user's counter.
	Reset(ctx context.Context, userID string) error
}

// quotaEntry tracks one user's rolling daily usage. Each entry has its
// own mutex; the keeper map is guarded separately.
type quotaEntry struct {
	mu      sync.Mutex
	used    int
	resetAt time.Time
}

// QuotaKeeper enforces a per-user daily request quota. Usage counts
// only admitted requests; a denied admission does not consume quota.
type QuotaKeeper struct {
	mu         sync.RWMutex
	entries    map[string]*quotaEntry
	dailyLimit int
	enabled    bool
	store      QuotaStore // nil means in-process only
	logger     *logger.Logger
	now        func() time.Time
}

// NewQuotaKeeper creates a keeper. store may be nil.
func NewQuotaKeeper(dailyLimit int, enabled bool, store QuotaStore) *QuotaKeeper {
	if dailyLimit <= 0 {
		dailyLimit = 1000
	}
	return &QuotaKeeper{
		entries:    make(map[string]*quotaEntry),
		dailyLimit: dailyLimit,
		enabled:    enabled,
		store:      store,
		logger:     logger.New("quota"),
		now:        time.Now,
	}
}

// Check admits or refuses one request for userID. On admission the
// counter is incremented; on refusal RetryAfter carries the seconds
// until the daily window resets, at least 1.
func (q *QuotaKeeper) Check(ctx context.Context, userID string) QuotaDecision {
	if !q.enabled {
		return QuotaDecision{Allowed: true, Limit: q.dailyLimit, Remaining: q.dailyLimit}
	}

	now := q.now()
	resetAt := nextDailyReset(now)

	if q.store != nil {
		count, err := q.store.IncrementAndCheck(ctx, userID, resetAt)
		if err == nil {
			return q.decide(count, resetAt, now)
		}
		q.logger.For(userID, "").Warn("Distributed quota store failed, falling back to in-process", logger.Fields{
			"error": err.Error(),
		})
	}

	entry := q.entryFor(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if now.After(entry.resetAt) {
		entry.used = 0
		entry.resetAt = resetAt
	}

	if entry.used >= q.dailyLimit {
		return q.denied(entry.resetAt, now)
	}

	entry.used++
	return QuotaDecision{
		Allowed:   true,
		Limit:     q.dailyLimit,
		Remaining: q.dailyLimit - entry.used,
		ResetAt:   entry.resetAt,
	}
}

// Usage reports the current counter for a user without incrementing.
func (q *QuotaKeeper) Usage(ctx context.Context, userID string) (used int, resetAt time.Time) {
	if q.store != nil {
		if count, err := q.store.Get(ctx, userID); err == nil {
			return count, nextDailyReset(q.now())
		}
	}

	q.mu.RLock()
	entry, ok := q.entries[userID]
	q.mu.RUnlock()
	if !ok {
		return 0, nextDailyReset(q.now())
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if q.now().After(entry.resetAt) {
		return 0, nextDailyReset(q.now())
	}
	return entry.used, entry.resetAt
}

// Reset clears a user's counter in both the store and the local map.
func (q *QuotaKeeper) Reset(ctx context.Context, userID string) {
	if q.store != nil {
		if err := q.store.Reset(ctx, userID); err != nil {
			q.logger.For(userID, "").Warn("Distributed quota reset failed", logger.Fields{
				"error": err.Error(),
			})
		}
	}

	q.mu.Lock()
	delete(q.entries, userID)
	q.mu.Unlock()
}

func (q *QuotaKeeper) decide(count int, resetAt time.Time, now time.Time) QuotaDecision {
	if count > q.dailyLimit {
		return q.denied(resetAt, now)
	}
	return QuotaDecision{
		Allowed:   true,
		Limit:     q.dailyLimit,
		Remaining: q.dailyLimit - count,
		ResetAt:   resetAt,
	}
}

func (q *QuotaKeeper) denied(resetAt time.Time, now time.Time) QuotaDecision {
	retryAfter := int(resetAt.Sub(now).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return QuotaDecision{
		Allowed:    false,
		Limit:      q.dailyLimit,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}
}

func (q *QuotaKeeper) entryFor(userID string) *quotaEntry {
	q.mu.RLock()
	entry, ok := q.entries[userID]
	q.mu.RUnlock()
	if ok {
		return entry
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if entry, ok = q.entries[userID]; ok {
		return entry
	}
	entry = &quotaEntry{resetAt: nextDailyReset(q.now())}
	q.entries[userID] = entry
	return entry
}

// nextDailyReset is the next UTC midnight after now.
func nextDailyReset(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// RedisQuotaStore is a Redis-backed daily counter shared across
// gateway instances. Keys expire at the daily reset.
type RedisQuotaStore struct {
	client *redis.Client
}

// NewRedisQuotaStore connects to Redis and verifies the connection.
func NewRedisQuotaStore(redisURL string) (*RedisQuotaStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisQuotaStore{client: client}, nil
}

// quotaKey builds the Redis key for a user's current daily window.
func quotaKey(userID string) string {
	return "quota:" + userID
}

// IncrementAndCheck increments the counter and sets its expiry to the
// daily reset on every call.
func (s *RedisQuotaStore) IncrementAndCheck(ctx context.Context, userID string, resetAt time.Time) (int, error) {
	key := quotaKey(userID)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, resetAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

// Get returns the current counter value, 0 when absent.
func (s *RedisQuotaStore) Get(ctx context.Context, userID string) (int, error) {
	count, err := s.client.Get(ctx, quotaKey(userID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// Reset deletes the user's counter key.
func (s *RedisQuotaStore) Reset(ctx context.Context, userID string) error {
	return s.client.Del(ctx, quotaKey(userID)).Err()
}

// Close releases the Redis connection.
func (s *RedisQuotaStore) Close() error {
	return s.client.Close()
}
