package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"ChatRelay/global"
)

type typingPartition struct {
	mu      sync.Mutex
	threads map[string]map[string]time.Time // threadID -> (userID -> 到期时间)
}

// TypingTracker holds ephemeral "user is typing" state per thread. An entry
// lives until it is stopped or its window passes; the sweeper then reports
// it through onExpire.
type TypingTracker struct {
	parts    []*typingPartition
	window   time.Duration
	now      func() time.Time
	onExpire func(threadID, userID string)
}

func NewTypingTracker(partitions int, window time.Duration, onExpire func(threadID, userID string)) *TypingTracker {
	if partitions <= 0 {
		partitions = 16
	}
	if window <= 0 {
		window = 6 * time.Second
	}
	t := &TypingTracker{
		parts:    make([]*typingPartition, partitions),
		window:   window,
		now:      time.Now,
		onExpire: onExpire,
	}
	for i := range t.parts {
		t.parts[i] = &typingPartition{threads: make(map[string]map[string]time.Time)}
	}
	return t
}

func (t *TypingTracker) WithClock(now func() time.Time) *TypingTracker {
	t.now = now
	return t
}

func (t *TypingTracker) part(threadID string) *typingPartition {
	return t.parts[global.HashPartition(threadID, len(t.parts))]
}

// Start upserts userID as typing in threadID with a fresh expiry.
func (t *TypingTracker) Start(threadID, userID string) {
	p := t.part(threadID)
	p.mu.Lock()
	users, ok := p.threads[threadID]
	if !ok {
		users = make(map[string]time.Time)
		p.threads[threadID] = users
	}
	users[userID] = t.now().Add(t.window)
	p.mu.Unlock()
}

// Stop clears the entry and reports whether one existed. An entry past its
// expiry that the sweeper has not reached yet still counts.
func (t *TypingTracker) Stop(threadID, userID string) bool {
	p := t.part(threadID)
	p.mu.Lock()
	defer p.mu.Unlock()
	users, ok := p.threads[threadID]
	if !ok {
		return false
	}
	if _, ok = users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(p.threads, threadID)
	}
	return true
}

func (t *TypingTracker) IsTyping(threadID, userID string) bool {
	p := t.part(threadID)
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.threads[threadID][userID]
	return ok && t.now().Before(exp)
}

// Typing lists the users currently typing in threadID.
func (t *TypingTracker) Typing(threadID string) []string {
	now := t.now()
	p := t.part(threadID)
	p.mu.Lock()
	var out []string
	for u, exp := range p.threads[threadID] {
		if now.Before(exp) {
			out = append(out, u)
		}
	}
	p.mu.Unlock()
	sort.Strings(out)
	return out
}

type typingKey struct{ thread, user string }

// ===== 清理协程 =====

// Sweep removes entries expired at now and calls onExpire for each one
// outside the partition locks. It returns how many expired.
func (t *TypingTracker) Sweep(now time.Time) int {
	var expired []typingKey
	for _, p := range t.parts {
		p.mu.Lock()
		for thread, users := range p.threads {
			for u, exp := range users {
				if !now.Before(exp) {
					delete(users, u)
					expired = append(expired, typingKey{thread, u})
				}
			}
			if len(users) == 0 {
				delete(p.threads, thread)
			}
		}
		p.mu.Unlock()
	}
	if t.onExpire != nil {
		for _, k := range expired {
			t.onExpire(k.thread, k.user)
		}
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (t *TypingTracker) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}
