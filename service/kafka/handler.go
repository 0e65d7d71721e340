package kafka

import (
	"sync"

	"github.com/pkg/errors"
)

type MessageHandler func(topic string, key, value []byte) error

// Router maps topics to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]MessageHandler)}
}

func (r *Router) Register(topic string, h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = h
}

func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

func (r *Router) Get(topic string) (MessageHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[topic]; ok {
		return h, nil
	}
	return nil, errors.Errorf("no handler registered for topic: %s", topic)
}
