package approval

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

	"github.com/pitabwire/steward/model"
)

// IdempotencyStore remembers which request a keyed submission created, so a
// retried submission returns the original request instead of a duplicate.
// Keys have the form "idem:submit:{applicant}:{key}".
type IdempotencyStore interface {
	// Reserve claims key for a new submission. When key already names a
	// created request, its ID is returned with found set. A key recorded
	// with a different input hash, or still held by a submission in
	// progress, yields a CONFLICT error.
	Reserve(ctx context.Context, key, inputHash string) (requestID string, found bool, err error)

	// Store records the request created under a reserved key for ttl.
	Store(ctx context.Context, key, inputHash, requestID string, ttl time.Duration) error

	// Release drops a reservation whose submission failed.
	Release(ctx context.Context, key string) error
}

// pendingTTL bounds how long a reservation outlives a crashed submission.
const pendingTTL = time.Minute

type idempotencyEntry struct {
	InputHash string `json:"input_hash"`
	RequestID string `json:"request_id"`
}

// IdempotencyKey builds the store key for a submission.
func IdempotencyKey(applicant model.Identity, key string) string {
	return fmt.Sprintf("idem:submit:%s:%s", applicant, key)
}

// HashSubmission fingerprints the fields of a submission that determine the
// created request.
func HashSubmission(sub Submission) string {
	data, _ := json.Marshal(struct {
		Applicant   model.Identity   `json:"applicant"`
		Title       string           `json:"title"`
		Description string           `json:"description"`
		Approvers   []model.Identity `json:"approvers"`
		Sensitivity string           `json:"sensitivity"`
	}{sub.Applicant, sub.Title, sub.Description, sub.Approvers, sub.Sensitivity})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func keyConflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

func keyInProgress(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("submission with idempotency key %q is still in progress", key),
	)
}

// resolve interprets an existing entry for a Reserve call.
func (e idempotencyEntry) resolve(key, inputHash string) (string, bool, error) {
	if e.InputHash != inputHash {
		return "", true, keyConflict(key)
	}
	if e.RequestID == "" {
		return "", true, keyInProgress(key)
	}
	return e.RequestID, true, nil
}

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]memIdemEntry
	now     func() time.Time
}

type memIdemEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memIdemEntry),
		now:     time.Now,
	}
}

// Reserve checks and claims key under one lock. Expired entries count as
// absent.
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key, inputHash string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, exists := s.entries[key]; exists && !now.After(entry.expiresAt) {
		return entry.data.resolve(key, inputHash)
	}
	s.entries[key] = memIdemEntry{
		data:      idempotencyEntry{InputHash: inputHash},
		expiresAt: now.Add(pendingTTL),
	}
	return "", false, nil
}

// Store records requestID under key.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, inputHash, requestID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memIdemEntry{
		data:      idempotencyEntry{InputHash: inputHash, RequestID: requestID},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Release drops key.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error {
	return nil
}

// RedisIdempotencyStore is a Redis-backed IdempotencyStore. Expiry is left to
// Redis key TTLs.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Reserve claims key with SET NX. When the key exists its entry is read
// back; a key that expires in between is claimed again.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, inputHash string) (string, bool, error) {
	placeholder, err := json.Marshal(idempotencyEntry{InputHash: inputHash})
	if err != nil {
		return "", false, fmt.Errorf("marshal idempotency entry: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		ok, err := s.client.SetNX(ctx, key, placeholder, pendingTTL).Result()
		if err != nil {
			return "", false, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if ok {
			return "", false, nil
		}

		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("redis get %q: %w", key, err)
		}

		var entry idempotencyEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return "", false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
		}
		return entry.resolve(key, inputHash)
	}
	return "", true, keyInProgress(key)
}

// Store records requestID under key with a Redis TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, inputHash, requestID string, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, RequestID: requestID})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Release deletes key.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
