package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

// Manager holds middlewares that can be added after the engine is built.
// Use mounts them as one handler that runs a snapshot of the list.
type Manager struct {
	mu   sync.RWMutex
	mids []gin.HandlerFunc
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Add(h ...gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = append(m.mids, h...)
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mids)
}

func (m *Manager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := append([]gin.HandlerFunc{}, m.mids...)
		m.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}
