package chat

import (
	"context"
	"net"
	"sync"
	"time"

	"ChatRelay/global"
	"ChatRelay/logger"
	"ChatRelay/middleware"
	"ChatRelay/tools/errs"
	"ChatRelay/tools/ids"
	"ChatRelay/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server upgrades HTTP requests to websocket connections and runs one read
// loop and one write loop per connection.
type Server struct {
	router   *Router
	cfg      global.ConnConfig
	limit    global.RateLimitConfig
	upgrader websocket.Upgrader
	ids      *ids.Generator
	metrics  *Metrics

	conns sync.Map // conn id -> *Conn
	wg    sync.WaitGroup
}

func NewServer(router *Router, cfg global.ConnConfig, limit global.RateLimitConfig, origins []string, gen *ids.Generator, m *Metrics) *Server {
	if gen == nil {
		gen = ids.NewGenerator(1)
	}
	return &Server{
		router: router,
		cfg:    cfg,
		limit:  limit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     middleware.OriginAllowed(origins),
		},
		ids:     gen,
		metrics: m,
	}
}

// Mount registers the websocket handler on every path.
func (s *Server) Mount(r gin.IRoutes, paths ...string) {
	for _, p := range paths {
		r.GET(p, s.HandleWS)
	}
}

func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered with an http error
		logger.Warn("ws upgrade failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}
	s.Serve(context.WithoutCancel(c.Request.Context()), ws)
}

// Serve runs the connection until the peer goes away, the connection is
// closed by the server, or the read deadline passes. It blocks.
func (s *Server) Serve(ctx context.Context, ws *websocket.Conn) {
	now := time.Now()
	conn := newConn(s.ids.NextString(), ws, s.cfg.SendQueue, now).withLimiter(s.limit.PerSecond, s.limit.Burst)
	s.conns.Store(conn.ID, conn)
	s.metrics.ConnOpened()
	logger.Debug("ws connected", zap.String("conn", conn.ID), zap.String("remote", conn.Remote))

	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	_ = ws.SetReadDeadline(now.Add(s.cfg.AuthTimeout))
	ws.SetPongHandler(func(string) error {
		return s.touch(conn, time.Now())
	})

	s.wg.Add(1)
	safe.Go("ws-writer", func() {
		defer s.wg.Done()
		conn.writePump(s.cfg.WriteWait, s.cfg.PingPeriod)
	})

	defer func() {
		s.router.Disconnect(ctx, conn)
		<-conn.writerDone
		s.conns.Delete(conn.ID)
		s.metrics.ConnClosed()
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			s.logReadError(conn, err)
			return
		}
		if mt != websocket.TextMessage {
			s.router.reject(ctx, conn, errs.ErrProtocol.WithDetail("only text frames are accepted"))
		} else if err := safe.Run("ws-frame", func() { s.router.HandleFrame(ctx, conn, data) }); err != nil {
			s.router.reject(ctx, conn, errs.ErrInternal.Closing())
		}
		if conn.Closed() {
			return
		}
		if err := s.touch(conn, time.Now()); err != nil {
			return
		}
	}
}

// touch records activity. Once authenticated every frame pushes the idle
// deadline out; before that the auth deadline stays fixed.
func (s *Server) touch(conn *Conn, now time.Time) error {
	conn.Touch(now)
	if conn.State() != StateAuthenticated {
		return nil
	}
	return conn.ws.SetReadDeadline(now.Add(s.cfg.IdleTimeout))
}

func (s *Server) logReadError(conn *Conn, err error) {
	fields := []zap.Field{zap.String("conn", conn.ID), zap.String("user", conn.UserID())}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		if conn.State() == StateUnauthenticated {
			logger.Info("ws auth timeout", fields...)
		} else {
			logger.Info("ws idle timeout", fields...)
		}
		s.metrics.ConnDropped("timeout")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		logger.Debug("ws closed by peer", fields...)
	case errors.Is(err, websocket.ErrReadLimit):
		logger.Warn("ws frame too large", fields...)
		s.metrics.ConnDropped("read_limit")
	case conn.Closed():
		logger.Debug("ws closed by server", fields...)
	default:
		logger.Info("ws read error", append(fields, zap.Error(err))...)
	}
}

// Len is the number of open sockets, authenticated or not.
func (s *Server) Len() int {
	n := 0
	s.conns.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Shutdown closes every open socket and waits for the writers to flush or
// for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.conns.Range(func(_, v any) bool {
		v.(*Conn).closeWith(goingAwayCloseCode, "server shutting down")
		return true
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "ws shutdown")
	}
}
