package middleware

import (
	midsec "ChatRelay/middleware/security"

	"github.com/gin-gonic/gin"
)

// RouteOpt selects the per-route middlewares.
type RouteOpt struct {
	IsAuth bool
	Auth   *midsec.Options
}

func (o RouteOpt) chain(handler gin.HandlerFunc) []gin.HandlerFunc {
	if o.IsAuth {
		return []gin.HandlerFunc{midsec.Middleware(o.Auth), handler}
	}
	return []gin.HandlerFunc{handler}
}

func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.POST(path, opt.chain(handler)...)
}

func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, opt.chain(handler)...)
}
