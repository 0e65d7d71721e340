package security

import (
	"net/http"
	"strings"

	"ChatRelay/tools/errs"
	tokens "ChatRelay/tools/security"

	"github.com/gin-gonic/gin"
)

// Context keys set by Middleware.
const (
	CtxTokenKey  = "authorization"
	CtxUserIDKey = "userId"
)

type Options struct {
	HeaderToken               string // default "X-Token"
	EnableAuthorizationBearer bool   // default true
	Verify                    tokens.Options
}

func DefaultOptions(verify tokens.Options) *Options {
	return &Options{
		HeaderToken:               "X-Token",
		EnableAuthorizationBearer: true,
		Verify:                    verify,
	}
}

// TokenFrom reads the token from the configured header or, failing that,
// from "Authorization: Bearer".
func TokenFrom(r *http.Request, opts *Options) string {
	token := strings.TrimSpace(r.Header.Get(opts.HeaderToken))
	if token == "" && opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(r.Header.Get("Authorization")); len(authz) > len("bearer ") &&
			strings.EqualFold(authz[:len("bearer ")], "bearer ") {
			token = strings.TrimSpace(authz[len("bearer "):])
		}
	}
	return token
}

// Middleware verifies the request token and stores the subject under
// CtxUserIDKey.
func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions(tokens.Options{})
	}
	return func(c *gin.Context) {
		token := TokenFrom(c.Request, opts)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrAuthRequired.WithDetail("missing token"))
			return
		}
		claims, err := tokens.Verify(opts.Verify, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrAuthRequired.WithDetail("invalid token"))
			return
		}
		c.Set(CtxTokenKey, token)
		c.Set(CtxUserIDKey, claims.Subject)
		c.Next()
	}
}

// UserID returns the subject stored by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}
