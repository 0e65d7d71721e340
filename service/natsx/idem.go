package natsx

import (
	"context"
	"strings"
	"sync"
	"time"
)

// IdemStore remembers message ids for a while.
type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
}

type memIdem struct {
	mu  sync.Mutex
	m   map[string]time.Time
	ttl time.Duration
	now func() time.Time
}

// NewMemIdem returns a single-process store; its janitor stops with ctx.
func NewMemIdem(ctx context.Context, defaultTTL time.Duration) IdemStore {
	mi := newMemIdem(defaultTTL, time.Now)
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				mi.purge()
			}
		}
	}()
	return mi
}

func newMemIdem(ttl time.Duration, now func() time.Time) *memIdem {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &memIdem{m: make(map[string]time.Time), ttl: ttl, now: now}
}

func (mi *memIdem) purge() {
	now := mi.now()
	mi.mu.Lock()
	for k, exp := range mi.m {
		if !exp.After(now) {
			delete(mi.m, k)
		}
	}
	mi.mu.Unlock()
}

func (mi *memIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// IdemMiddleware drops messages whose id was already handled within ttl.
func IdemMiddleware(store IdemStore, ttl time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				id = msg.Subject + "|" + strings.TrimSpace(string(msg.Data))
			}
			if seen, _ := store.SeenOnce(id, ttl); seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
