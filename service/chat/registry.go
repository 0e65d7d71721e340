package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"ChatRelay/global"
	"ChatRelay/logger"

	"go.uber.org/zap"
)

const presenceTimeout = 2 * time.Second

type registryShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Conn // userID -> (connID -> conn)
}

// Registry maps users to their live connections. Users are spread over
// shards by hash so unrelated users do not share a lock.
type Registry struct {
	shards   []*registryShard
	presence PresenceHook
	metrics  *Metrics
}

func NewRegistry(shards int, presence PresenceHook, m *Metrics) *Registry {
	if shards <= 0 {
		shards = 32
	}
	r := &Registry{shards: make([]*registryShard, shards), presence: presence, metrics: m}
	for i := range r.shards {
		r.shards[i] = &registryShard{users: make(map[string]map[string]*Conn)}
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	return r.shards[global.HashPartition(userID, len(r.shards))]
}

// ===== 上线 / 下线 =====

// Register adds an authenticated connection. Presence hears about it
// before any Unregister of the same connection can report it gone.
func (r *Registry) Register(ctx context.Context, c *Conn) error {
	userID := c.UserID()
	if userID == "" || c.State() != StateAuthenticated {
		return errNotAuthed
	}
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	if c.Closed() {
		return ErrConnClosed
	}
	s := r.shard(userID)
	s.mu.Lock()
	set, ok := s.users[userID]
	if !ok {
		set = make(map[string]*Conn)
		s.users[userID] = set
	}
	set[c.ID] = c
	s.mu.Unlock()

	if !ok {
		r.metrics.UserOnline()
		logger.Debug("user online", zap.String("user", userID))
	}
	r.notify(ctx, true, userID, c.ID)
	return nil
}

// Unregister removes c and reports whether it was present. Safe to call
// any number of times.
func (r *Registry) Unregister(ctx context.Context, c *Conn) bool {
	userID := c.UserID()
	if userID == "" {
		return false
	}
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	s := r.shard(userID)
	s.mu.Lock()
	set, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, ok = set[c.ID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(set, c.ID)
	last := len(set) == 0
	if last {
		delete(s.users, userID)
	}
	s.mu.Unlock()

	if last {
		r.metrics.UserOffline()
		logger.Debug("user offline", zap.String("user", userID))
	}
	r.notify(ctx, false, userID, c.ID)
	return true
}

func (r *Registry) notify(ctx context.Context, online bool, userID, connID string) {
	if r.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()
	var err error
	if online {
		err = r.presence.Online(ctx, userID, connID)
	} else {
		err = r.presence.Offline(ctx, userID, connID)
	}
	if err != nil {
		logger.Warn("presence update failed", zap.String("user", userID), zap.String("conn", connID), zap.Bool("online", online), zap.Error(err))
	}
}

// ===== 查询 =====

// ConnectionsFor returns a snapshot of userID's connections, oldest first.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	s := r.shard(userID)
	s.mu.RLock()
	set := s.users[userID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) IsOnline(userID string) bool {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// Len is the number of registered connections.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.users {
			n += len(set)
		}
		s.mu.RUnlock()
	}
	return n
}

func (r *Registry) Users() []string {
	var out []string
	for _, s := range r.shards {
		s.mu.RLock()
		for u := range s.users {
			out = append(out, u)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}
