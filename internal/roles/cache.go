package roles

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/steward/model"
)

// CacheRecorder observes membership cache lookups.
type CacheRecorder interface {
	RecordMembershipCache(hit bool)
}

type cacheEntry struct {
	holders []model.Identity
	expires time.Time
}

// CachedMembership caches another provider's answers per role for a TTL.
type CachedMembership struct {
	next     MembershipProvider
	ttl      time.Duration
	recorder CacheRecorder
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewCachedMembership wraps next with a TTL cache. recorder may be nil.
func NewCachedMembership(next MembershipProvider, ttl time.Duration, recorder CacheRecorder) *CachedMembership {
	return &CachedMembership{
		next:     next,
		ttl:      ttl,
		recorder: recorder,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
}

// ActiveApproversForRole returns cached holders of role, refreshing from the
// wrapped provider once the entry expires.
func (c *CachedMembership) ActiveApproversForRole(ctx context.Context, role string) ([]model.Identity, error) {
	c.mu.RLock()
	if entry, ok := c.cache[role]; ok && c.now().Before(entry.expires) {
		c.mu.RUnlock()
		c.record(true)
		return append([]model.Identity(nil), entry.holders...), nil
	}
	c.mu.RUnlock()
	c.record(false)

	holders, err := c.next.ActiveApproversForRole(ctx, role)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[role] = cacheEntry{holders: holders, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return append([]model.Identity(nil), holders...), nil
}

// Invalidate drops the cached holders of role, or of every role when role is
// empty.
func (c *CachedMembership) Invalidate(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if role == "" {
		c.cache = make(map[string]cacheEntry)
		return
	}
	delete(c.cache, role)
}

func (c *CachedMembership) record(hit bool) {
	if c.recorder != nil {
		c.recorder.RecordMembershipCache(hit)
	}
}
