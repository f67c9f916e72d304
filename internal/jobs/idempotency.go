package jobs

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

	"github.com/pitabwire/docket/model"
)

// ErrIdempotencyKeyExists is returned by Store when an unexpired entry for
// the key is already recorded. The first entry is kept.
var ErrIdempotencyKeyExists = errors.New("jobs: idempotency key already recorded")

// IdempotencyStore deduplicates job creation. The key format is
// "idem:jobs:{key}".
type IdempotencyStore interface {
	// Check looks up the job created under key. If the key exists and the
	// request hash matches, it returns the job ID. If the hash differs, it
	// returns an IDEMPOTENCY_KEY_REUSED error.
	Check(ctx context.Context, key, requestHash string) (jobID string, found bool, err error)

	// Store records the job created under key with a TTL. It never
	// replaces a live entry; it returns ErrIdempotencyKeyExists instead.
	Store(ctx context.Context, key, requestHash, jobID string, ttl time.Duration) error
}

// idempotencyEntry is the stored value for an idempotency key.
type idempotencyEntry struct {
	RequestHash string `json:"request_hash"`
	JobID       string `json:"job_id"`
}

// FormatIdempotencyKey builds the stored key for a client-supplied key.
func FormatIdempotencyKey(key string) string {
	return "idem:jobs:" + key
}

// HashRequest produces a deterministic hash of a create request.
func HashRequest(req model.CreateJobRequest) string {
	data, _ := json.Marshal(req)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check looks up a job ID. Expired entries are dropped.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key, requestHash string) (string, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return "", false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return "", false, nil
	}
	if entry.data.RequestHash != requestHash {
		return "", true, model.NewIdempotencyReusedError(key)
	}
	return entry.data.JobID, true, nil
}

// Store saves a job ID with TTL unless a live entry exists.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, requestHash, jobID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok && !s.now().After(existing.expiresAt) {
		return ErrIdempotencyKeyExists
	}
	s.entries[key] = memEntry{
		data:      idempotencyEntry{RequestHash: requestHash, JobID: jobID},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a job ID in Redis.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key, requestHash string) (string, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.RequestHash != requestHash {
		return "", true, model.NewIdempotencyReusedError(key)
	}
	return entry.JobID, true, nil
}

// Store saves a job ID in Redis with TTL using SET NX.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, requestHash, jobID string, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{RequestHash: requestHash, JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if !ok {
		return ErrIdempotencyKeyExists
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
