// Package idempotency remembers the responses of mutating requests so a
// client retrying with the same Idempotency-Key gets the original answer
// instead of a second side effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/jornada/internal/clock"
)

// DefaultKeyPrefix namespaces Redis keys.
const DefaultKeyPrefix = "jornada:idem:"

// Record is a stored response, or the marker of a request still running when
// Pending is set.
type Record struct {
	RequestHash string `json:"request_hash"`
	Pending     bool   `json:"pending,omitempty"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Store persists records under a key for a limited time.
type Store interface {
	// Get returns the record stored under key, if any and not expired.
	Get(ctx context.Context, key string) (Record, bool, error)

	// Reserve stores a pending marker for hash under key unless the key is
	// already taken. Exactly one of several concurrent callers gets true.
	Reserve(ctx context.Context, key, hash string, ttl time.Duration) (bool, error)

	// Put stores rec under key for ttl, replacing any previous record.
	Put(ctx context.Context, key string, rec Record, ttl time.Duration) error

	// Release drops key so the request can be retried.
	Release(ctx context.Context, key string) error
}

// Hash fingerprints a request body.
func Hash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store for tests and single-instance
// deployments. Expired records are dropped when read.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memEntry
}

type memEntry struct {
	rec       Record
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore. A nil clock means the wall
// clock.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryStore{clock: c, entries: make(map[string]memEntry)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return Record{}, false, nil
	}
	if !s.clock.Now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return Record{}, false, nil
	}
	return entry.rec, true, nil
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, hash string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if entry, ok := s.entries[key]; ok && now.Before(entry.expiresAt) {
		return false, nil
	}
	s.entries[key] = memEntry{rec: Record{RequestHash: hash, Pending: true}, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{rec: rec, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore keeps records as JSON strings with a Redis TTL.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a RedisStore writing keys under prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get %q: %w", s.prefix+key, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal idempotency record %q: %w", key, err)
	}
	return rec, true, nil
}

// Reserve implements Store with SET NX, so the marker and the existence check
// are one command.
func (s *RedisStore) Reserve(ctx context.Context, key, hash string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(Record{RequestHash: hash, Pending: true})
	if err != nil {
		return false, fmt.Errorf("marshal idempotency marker: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", s.prefix+key, err)
	}
	return ok, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", s.prefix+key, err)
	}
	return nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", s.prefix+key, err)
	}
	return nil
}
