package membership

import (
	"context"
	"sync"
)

// Static serves membership from an in-process map, loaded from config.
type Static struct {
	mu      sync.RWMutex
	threads map[string][]string
}

func NewStatic(threads map[string][]string) *Static {
	s := &Static{threads: make(map[string][]string, len(threads))}
	for t, users := range threads {
		s.threads[t] = dedupe(users)
	}
	return s
}

func (s *Static) IsParticipant(_ context.Context, userID, threadID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.threads[threadID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Static) ParticipantsOf(_ context.Context, threadID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.threads[threadID]...), nil
}

// Join appends userID to threadID unless already present.
func (s *Static) Join(threadID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = dedupe(append(s.threads[threadID], userID))
}

func dedupe(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
