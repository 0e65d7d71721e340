package natsx

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Mode selects plain NATS or JetStream for a route.
type Mode int

const (
	Core      Mode = iota // fire and forget
	JetStream             // persisted, acked
)

func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "js", "jetstream", "js_push":
		return JetStream
	default:
		return Core
	}
}

// Route binds a business key to a subject.
type Route struct {
	Biz     string
	Subject string
	Mode    Mode
	Queue   string // queue group for consumers, empty = broadcast
	Durable string // JetStream durable name
	AckWait time.Duration
}

type Config struct {
	Servers       []string
	Name          string
	User          string
	Password      string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// publisher is the part of *nats.Conn / JetStreamContext the producer needs.
type publisher interface {
	PublishMsg(m *nats.Msg) error
}

type jsPublisher struct{ js nats.JetStreamContext }

func (p jsPublisher) PublishMsg(m *nats.Msg) error {
	_, err := p.js.PublishMsg(m)
	return err
}

// Client owns one NATS connection and the route table.
type Client struct {
	cfg  Config
	nc   *nats.Conn
	js   nats.JetStreamContext
	core publisher
	jsp  publisher

	mu     sync.RWMutex
	routes map[string]Route
	subs   map[string]*nats.Subscription
}

// NewClient connects with unlimited reconnects and jitter.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	c := newClient(cfg, nc)
	c.nc = nc
	return c, nil
}

func newClient(cfg Config, core publisher) *Client {
	return &Client{
		cfg:    cfg,
		core:   core,
		routes: make(map[string]Route),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Close drains subscriptions and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for biz, sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, biz)
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

func (c *Client) ensureJS() error {
	if c.jsp != nil {
		return nil
	}
	if c.nc == nil {
		return errors.New("jetstream needs a live connection")
	}
	js, err := c.nc.JetStream()
	if err != nil {
		return errors.Wrap(err, "init jetstream")
	}
	c.js = js
	c.jsp = jsPublisher{js: js}
	return nil
}

func (c *Client) RegisterRoute(r Route) error {
	if r.Biz == "" || r.Subject == "" {
		return errors.New("invalid route")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Mode == JetStream {
		if err := c.ensureJS(); err != nil {
			return err
		}
	}
	if r.AckWait == 0 {
		r.AckWait = 30 * time.Second
	}
	c.routes[r.Biz] = r
	return nil
}

func (c *Client) route(biz string) (Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[biz]
	return r, ok
}

func (c *Client) publisherFor(m Mode) (publisher, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m == JetStream {
		if c.jsp == nil {
			return nil, errors.New("jetstream not initialized")
		}
		return c.jsp, nil
	}
	if c.core == nil {
		return nil, errors.New("nats not connected")
	}
	return c.core, nil
}
