package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"ChatRelay/logger"
	"ChatRelay/service/protocol"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ConnState int32

const (
	StateUnauthenticated ConnState = iota
	StateAuthenticated
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var (
	ErrConnClosed      = errors.New("connection closed")
	ErrSendQueueFull   = errors.New("send queue full")
	errNotAuthed       = errors.New("connection not authenticated")
	defaultCloseCode   = websocket.CloseNormalClosure
	policyCloseCode    = websocket.ClosePolicyViolation
	overloadCloseCode  = websocket.CloseTryAgainLater
	goingAwayCloseCode = websocket.CloseGoingAway
)

// ===== 连接 =====

// Conn is one websocket session. Frames are queued on send and written by
// a single writer goroutine; the queue never blocks producers.
type Conn struct {
	ID        string
	Remote    string
	CreatedAt time.Time

	ws   *websocket.Conn
	send chan []byte // 每连接独立发送队列

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeMsg  string

	state      atomic.Int32
	user       atomic.Pointer[string]
	lastActive atomic.Int64 // unix ns，最近一次收到帧

	limiter    *rate.Limiter
	writerDone chan struct{}

	// presenceMu keeps this connection's registry entry and presence
	// updates in step
	presenceMu sync.Mutex
}

func newConn(id string, ws *websocket.Conn, queue int, now time.Time) *Conn {
	if queue <= 0 {
		queue = 256
	}
	c := &Conn{
		ID:         id,
		CreatedAt:  now,
		ws:         ws,
		send:       make(chan []byte, queue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	if ws != nil {
		c.Remote = ws.RemoteAddr().String()
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

func (c *Conn) withLimiter(perSecond float64, burst int) *Conn {
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return c
}

// UserID is empty until the connection authenticates and never changes after.
func (c *Conn) UserID() string {
	if p := c.user.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// authenticate binds userID once. It fails if the connection already has an
// identity or is closing.
func (c *Conn) authenticate(userID string) bool {
	if !c.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateAuthenticated)) {
		return false
	}
	c.user.Store(&userID)
	return true
}

func (c *Conn) Touch(now time.Time) { c.lastActive.Store(now.UnixNano()) }

func (c *Conn) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

func (c *Conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Send encodes env and queues it. It reports false when the frame was not
// queued.
func (c *Conn) Send(env protocol.Outbound) bool {
	frame, err := protocol.Encode(env)
	if err != nil {
		logger.Error("encode outbound", zap.String("conn", c.ID), zap.String("type", env.Type()), zap.Error(err))
		return false
	}
	return c.enqueue(frame) == nil
}

// enqueue never blocks. A full queue closes the connection.
func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.closeWith(overloadCloseCode, "send queue full")
		return ErrSendQueueFull
	}
}

// Close starts shutdown. Already queued frames are still flushed by the
// writer before the socket closes.
func (c *Conn) Close(reason string) { c.closeWith(defaultCloseCode, reason) }

func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.closeCode = code
		c.closeMsg = reason
		close(c.done)
	})
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ===== 写协程 =====

// writePump owns all writes to ws. pingPeriod 0 disables control pings.
func (c *Conn) writePump(writeWait, pingPeriod time.Duration) {
	defer close(c.writerDone)
	var tick <-chan time.Time
	if pingPeriod > 0 {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("ws write failed", zap.String("conn", c.ID), zap.Error(err))
				c.closeWith(websocket.CloseAbnormalClosure, "write failed")
				_ = c.ws.Close()
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "ping failed")
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			c.drain(writeWait)
			return
		}
	}
}

// drain flushes what is left in the queue under one deadline, then sends
// the close frame and closes the socket.
func (c *Conn) drain(writeWait time.Duration) {
	deadline := time.Now().Add(writeWait)
	_ = c.ws.SetWriteDeadline(deadline)
flush:
	for {
		select {
		case frame := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				break flush
			}
		default:
			break flush
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeMsg), deadline)
	_ = c.ws.Close()
}
