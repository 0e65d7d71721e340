package membership

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Source is what Cached wraps.
type Source interface {
	IsParticipant(ctx context.Context, userID, threadID string) (bool, error)
	ParticipantsOf(ctx context.Context, threadID string) ([]string, error)
}

type cacheEntry struct {
	users   []string
	expires time.Time
}

// Cached keeps each thread's participant list for ttl and answers
// IsParticipant from it. Concurrent misses for one thread share a lookup.
type Cached struct {
	src   Source
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCached(src Source, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cached{src: src, ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

func (c *Cached) WithClock(now func() time.Time) *Cached {
	c.now = now
	return c
}

func (c *Cached) IsParticipant(ctx context.Context, userID, threadID string) (bool, error) {
	users, err := c.ParticipantsOf(ctx, threadID)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func (c *Cached) ParticipantsOf(ctx context.Context, threadID string) ([]string, error) {
	c.mu.RLock()
	e, ok := c.entries[threadID]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		return append([]string(nil), e.users...), nil
	}

	v, err, _ := c.group.Do(threadID, func() (any, error) {
		users, err := c.src.ParticipantsOf(ctx, threadID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[threadID] = cacheEntry{users: users, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return users, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.([]string)...), nil
}

// Invalidate drops the cached list of threadID.
func (c *Cached) Invalidate(threadID string) {
	c.mu.Lock()
	delete(c.entries, threadID)
	c.mu.Unlock()
}
