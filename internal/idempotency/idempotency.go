// Package idempotency deduplicates mutating HTTP requests keyed by a
// client-supplied idempotency key. A replay with the same key and payload
// returns the first response; the same key with a different payload is a
// conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gestia/tramite/model"
)

// CachedResponse is the stored outcome of a mutating request.
type CachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store provides deduplication for mutating requests. The key format is
// "idem:{route}:{key}".
type Store interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the cached response. If the key exists
	// but the hash differs, it returns a conflict error.
	Check(ctx context.Context, key string, inputHash string) (result *CachedResponse, found bool, err error)

	// Store saves a response keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key string, inputHash string, result CachedResponse, ttl time.Duration) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	InputHash string         `json:"input_hash"`
	Result    CachedResponse `json:"result"`
}

// HashInput returns the canonical hash of a request payload.
func HashInput(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// FormatKey builds the standard idempotency key.
func FormatKey(route, key string) string {
	return fmt.Sprintf("idem:%s:%s", route, key)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
	}
}

// Check looks up a cached response. Returns conflict if the input differs.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (*CachedResponse, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}

	result := e.data.Result
	return &result, true, nil
}

// Store saves a response with TTL.
func (s *MemoryStore) Store(_ context.Context, key string, inputHash string, result CachedResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Result: result},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL for multi-instance
// deployments.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached response in Redis. Returns conflict if the input
// differs.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (*CachedResponse, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if e.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}

	return &e.Result, true, nil
}

// Store saves a response in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key string, inputHash string, result CachedResponse, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
