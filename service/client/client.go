package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ChatRelay/logger"
	"ChatRelay/service/protocol"
	"ChatRelay/tools/safe"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultAuthTimeout    = 10 * time.Second
)

var ErrNoURL = errors.New("client: url is required")

type Config struct {
	URL    string
	Token  string
	UserID string

	// ReconnectDelay is the flat wait used when Backoff is nil.
	ReconnectDelay time.Duration
	Backoff        Backoff
	PingInterval   time.Duration
	AuthTimeout    time.Duration

	Dialer    Dialer
	Scheduler Scheduler

	// Callbacks run on the client's own goroutine and must not block.
	OnStateChange func(State)
	OnEvent       func(protocol.Outbound)
}

func (c *Config) normalize() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Backoff == nil {
		c.Backoff = Flat(c.ReconnectDelay)
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.Dialer == nil {
		c.Dialer = WSDialer{}
	}
	if c.Scheduler == nil {
		c.Scheduler = realScheduler{}
	}
}

type liveSocket struct {
	sock Socket
	gen  uint64
}

// Client keeps one authenticated websocket open and reconnects after any
// loss until Disconnect. State transitions happen on a single goroutine;
// public methods only queue work for it, sends write directly under a mutex.
type Client struct {
	cfg Config

	cmds      chan func()
	quit      chan struct{}
	closeOnce sync.Once

	state   atomic.Int32
	live    atomic.Pointer[liveSocket]
	writeMu sync.Mutex

	// owned by the loop goroutine
	gen        uint64
	active     bool
	baseCtx    context.Context
	cur        Socket
	cancelDial context.CancelFunc
	reconnect  Timer
	ping       Timer
	authTimer  Timer
	attempt    int
}

func New(cfg Config) *Client {
	cfg.normalize()
	c := &Client{
		cfg:  cfg,
		cmds: make(chan func(), 64),
		quit: make(chan struct{}),
	}
	safe.Go("chat-client", c.loop)
	return c
}

func (c *Client) loop() {
	for {
		select {
		case f := <-c.cmds:
			f()
		case <-c.quit:
			return
		}
	}
}

func (c *Client) post(f func()) {
	select {
	case c.cmds <- f:
	case <-c.quit:
	}
}

func (c *Client) State() State { return State(c.state.Load()) }

// Connect starts connecting and keeps the connection up until Disconnect.
// ctx bounds every dial; cancelling it stops further attempts from
// succeeding but does not disconnect an open socket.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return ErrNoURL
	}
	c.post(func() {
		if c.active {
			return
		}
		c.active = true
		c.baseCtx = ctx
		c.attempt = 0
		c.dial()
	})
	return nil
}

// Disconnect closes the socket and cancels pending work. No reconnect
// happens until Connect is called again.
func (c *Client) Disconnect() {
	c.post(func() {
		c.active = false
		c.gen++
		stop(&c.reconnect)
		c.teardown()
		c.setState(Disconnected)
	})
}

// Close disconnects and stops the client goroutine. The client is not
// usable afterwards.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		done := make(chan struct{})
		c.post(func() {
			c.active = false
			c.gen++
			stop(&c.reconnect)
			c.teardown()
			c.setState(Disconnected)
			close(done)
		})
		<-done
		close(c.quit)
	})
}

func (c *Client) dial() {
	c.gen++
	g := c.gen
	c.teardown()
	c.setState(Connecting)

	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancelDial = cancel
	safe.Go("chat-client-dial", func() {
		sock, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL)
		c.post(func() { c.dialed(g, sock, err) })
	})
}

func (c *Client) dialed(g uint64, sock Socket, err error) {
	if g != c.gen || !c.active {
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil {
		c.lost(g, err)
		return
	}
	c.cur = sock
	auth, err := protocol.EncodeInbound(&protocol.AuthEnvelope{Token: c.cfg.Token, UserID: c.cfg.UserID})
	if err == nil {
		err = c.write(sock, auth)
	}
	if err != nil {
		c.lost(g, err)
		return
	}
	c.authTimer = c.cfg.Scheduler.AfterFunc(c.cfg.AuthTimeout, func() {
		c.post(func() {
			if g == c.gen && c.State() == Connecting {
				c.lost(g, errors.New("auth timeout"))
			}
		})
	})
	safe.Go("chat-client-read", func() { c.readLoop(g, sock) })
}

func (c *Client) readLoop(g uint64, sock Socket) {
	for {
		mt, data, err := sock.ReadMessage()
		if err != nil {
			c.post(func() { c.lost(g, err) })
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		env, err := protocol.ParseOutbound(data)
		if err != nil {
			logger.Warn("client: unreadable frame", zap.ByteString("frame", data), zap.Error(err))
			continue
		}
		c.post(func() { c.received(g, env) })
	}
}

func (c *Client) received(g uint64, env protocol.Outbound) {
	if g != c.gen {
		return
	}
	if _, ok := env.(*protocol.AuthSuccess); ok && c.State() == Connecting {
		stop(&c.authTimer)
		c.attempt = 0
		c.live.Store(&liveSocket{sock: c.cur, gen: g})
		c.setState(Connected)
		c.armPing(g)
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(env)
	}
}

func (c *Client) armPing(g uint64) {
	c.ping = c.cfg.Scheduler.AfterFunc(c.cfg.PingInterval, func() {
		c.post(func() {
			if g != c.gen || c.State() != Connected {
				return
			}
			frame, _ := protocol.EncodeInbound(&protocol.PingEnvelope{})
			if err := c.write(c.cur, frame); err != nil {
				c.lost(g, err)
				return
			}
			c.armPing(g)
		})
	})
}

// lost handles any failure of generation g. At most one reconnect timer is
// ever pending.
func (c *Client) lost(g uint64, err error) {
	if g != c.gen {
		return
	}
	c.gen++
	c.teardown()
	c.setState(Disconnected)
	stop(&c.reconnect)
	if !c.active {
		return
	}
	c.attempt++
	delay := c.cfg.Backoff.Delay(c.attempt)
	logger.Info("client: connection lost", zap.String("url", c.cfg.URL), zap.Int("attempt", c.attempt), zap.Duration("retry_in", delay), zap.Error(err))
	rg := c.gen
	c.reconnect = c.cfg.Scheduler.AfterFunc(delay, func() {
		c.post(func() {
			if rg != c.gen {
				return
			}
			c.reconnect = nil
			if c.active {
				c.dial()
			}
		})
	})
}

func (c *Client) teardown() {
	stop(&c.ping)
	stop(&c.authTimer)
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.live.Store(nil)
	if c.cur != nil {
		_ = c.cur.Close()
		c.cur = nil
	}
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	logger.Debug("client state", zap.String("state", s.String()))
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func stop(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Client) write(sock Socket, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sock.WriteMessage(websocket.TextMessage, frame)
}

// send writes env if the client is connected and authenticated, otherwise
// it does nothing. It reports whether the frame was written.
func (c *Client) send(env protocol.Inbound) bool {
	live := c.live.Load()
	if live == nil || c.State() != Connected {
		return false
	}
	frame, err := protocol.EncodeInbound(env)
	if err != nil {
		return false
	}
	if err := c.write(live.sock, frame); err != nil {
		c.post(func() { c.lost(live.gen, err) })
		return false
	}
	return true
}

func (c *Client) SendChatMessage(threadID, content string, attachments ...protocol.Attachment) bool {
	return c.send(&protocol.ChatMessageEnvelope{ThreadID: threadID, Content: content, Attachments: attachments})
}

// MarkAsRead marks everything up to messageID as read; an empty id means
// everything so far.
func (c *Client) MarkAsRead(threadID, messageID string) bool {
	return c.send(&protocol.MarkReadEnvelope{ThreadID: threadID, MessageID: messageID})
}

func (c *Client) SendTypingIndicator(threadID string, isTyping bool) bool {
	return c.send(&protocol.TypingEnvelope{ThreadID: threadID, IsTyping: isTyping})
}
