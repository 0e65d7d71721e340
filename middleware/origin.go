package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginAllowed returns a websocket CheckOrigin func. An empty allow list
// accepts every origin, as does a request without an Origin header.
// Entries are hosts ("chat.example.com", "localhost:3000") or full origins,
// "*" matches everything.
func OriginAllowed(allowed []string) func(r *http.Request) bool {
	hosts := make(map[string]struct{}, len(allowed))
	all := len(allowed) == 0
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "*" {
			all = true
			continue
		}
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			a = u.Host
		}
		hosts[a] = struct{}{}
	}
	return func(r *http.Request) bool {
		if all {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := hosts[strings.ToLower(u.Host)]
		return ok
	}
}

// Origin rejects websocket upgrades on paths from an unknown origin before
// they reach the handler.
func Origin(allowed []string, paths ...string) gin.HandlerFunc {
	check := OriginAllowed(allowed)
	guarded := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		guarded[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := guarded[c.Request.URL.Path]; ok && c.Request.Method == http.MethodGet && !check(c.Request) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "ORIGIN_REJECTED", "message": "origin not allowed"})
			return
		}
		c.Next()
	}
}
