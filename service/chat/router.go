package chat

import (
	"context"
	"sync"
	"time"

	"ChatRelay/global"
	"ChatRelay/logger"
	"ChatRelay/service/events"
	"ChatRelay/service/protocol"
	"ChatRelay/tools/errs"
	"ChatRelay/tools/security"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options tune the router. Zero values fall back to the defaults below.
type Options struct {
	Auth           security.Options
	MaxContentLen  int
	PersistTimeout time.Duration
	PublishTimeout time.Duration
	LookupTimeout  time.Duration
	TypingWindow   time.Duration
	TypingSweep    time.Duration
	Partitions     int
	Now            func() time.Time
}

func (o *Options) normalize() {
	if o.MaxContentLen <= 0 {
		o.MaxContentLen = 4000
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = 3 * time.Second
	}
	if o.TypingWindow <= 0 {
		o.TypingWindow = 6 * time.Second
	}
	if o.TypingSweep <= 0 {
		o.TypingSweep = time.Second
	}
	if o.Partitions <= 0 {
		o.Partitions = 16
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Deps are the router's collaborators. Sink and Metrics may be nil.
type Deps struct {
	Registry   *Registry
	Store      MessageStore
	Membership Membership
	ReadState  ReadStateStore
	Sink       events.Sink
	Metrics    *Metrics
}

// Router validates inbound envelopes and fans the results out to the
// connections of a thread's participants.
type Router struct {
	registry *Registry
	store    MessageStore
	members  Membership
	reads    ReadStateStore
	sink     events.Sink
	metrics  *Metrics
	typing   *TypingTracker
	opts     Options

	// typingMu orders typing changes and their broadcasts per thread
	typingMu []sync.Mutex
}

func NewRouter(d Deps, opts Options) *Router {
	opts.normalize()
	r := &Router{
		registry: d.Registry,
		store:    d.Store,
		members:  d.Membership,
		reads:    d.ReadState,
		sink:     d.Sink,
		metrics:  d.Metrics,
		opts:     opts,
		typingMu: make([]sync.Mutex, opts.Partitions),
	}
	if r.sink == nil {
		r.sink = events.Nop{}
	}
	r.typing = NewTypingTracker(opts.Partitions, opts.TypingWindow, r.typingExpired).WithClock(opts.Now)
	return r
}

func (r *Router) Registry() *Registry    { return r.registry }
func (r *Router) Typing() *TypingTracker { return r.typing }

// Run drives the typing sweeper until ctx ends.
func (r *Router) Run(ctx context.Context) {
	r.typing.Run(ctx, r.opts.TypingSweep)
}

// HandleFrame processes one inbound text frame from c. Frames of one
// connection must be handed in sequentially.
func (r *Router) HandleFrame(ctx context.Context, c *Conn, data []byte) {
	if c.Closed() {
		return
	}
	env, err := protocol.ParseInbound(data)
	if err != nil {
		r.reject(ctx, c, err)
		return
	}
	r.metrics.FrameIn(env.Type())
	if err := r.Dispatch(ctx, c, env); err != nil {
		r.reject(ctx, c, err)
	}
}

// reject answers c with an error envelope and closes it when the error
// demands so.
func (r *Router) reject(ctx context.Context, c *Conn, err error) {
	ce := errs.From(err, errs.ErrInternal)
	r.metrics.ErrorSent(ce.Code)
	logger.Debug("frame rejected", zap.String("conn", c.ID), zap.String("user", c.UserID()), zap.String("code", ce.Code), zap.String("detail", ce.Detail))
	c.Send(protocol.ErrorFrom(ce))
	if ce.Close {
		c.closeWith(policyCloseCode, ce.Code)
		r.metrics.ConnDropped(ce.Code)
		r.registry.Unregister(ctx, c)
	}
}

// Disconnect is called once the socket is gone. Typing state is left to
// expire on its own.
func (r *Router) Disconnect(ctx context.Context, c *Conn) {
	c.Close("disconnect")
	if r.registry.Unregister(ctx, c) {
		logger.Info("connection unregistered", zap.String("conn", c.ID), zap.String("user", c.UserID()))
	}
}

// participants checks that userID belongs to threadID and returns the
// thread's participant list.
func (r *Router) participants(ctx context.Context, userID, threadID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.LookupTimeout)
	defer cancel()
	ok, err := r.members.IsParticipant(ctx, userID, threadID)
	if err != nil {
		logger.Warn("membership lookup failed", zap.String("user", userID), zap.String("thread", threadID), zap.Error(err))
		return nil, errs.ErrMembershipUnavailable
	}
	if !ok {
		return nil, errs.ErrNotParticipant.WithDetail(threadID)
	}
	users, err := r.members.ParticipantsOf(ctx, threadID)
	if err != nil {
		logger.Warn("participant list failed", zap.String("thread", threadID), zap.Error(err))
		return nil, errs.ErrMembershipUnavailable
	}
	return users, nil
}

// broadcast queues frame on every connection of every user in order,
// skipping exclude. Each user is visited once.
func (r *Router) broadcast(ctx context.Context, users []string, exclude, typ string, frame []byte) int {
	seen := make(map[string]struct{}, len(users))
	n := 0
	for _, u := range users {
		if u == exclude {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		for _, c := range r.registry.ConnectionsFor(u) {
			if r.deliver(ctx, c, frame) {
				n++
			}
		}
	}
	r.metrics.Delivered(typ, n)
	return n
}

func (r *Router) deliver(ctx context.Context, c *Conn, frame []byte) bool {
	err := c.enqueue(frame)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrSendQueueFull) {
		r.metrics.ConnDropped("slow_consumer")
		logger.Warn("dropping slow connection", zap.String("conn", c.ID), zap.String("user", c.UserID()))
		r.registry.Unregister(ctx, c)
	}
	return false
}

func (r *Router) publish(ctx context.Context, typ, threadID, userID string, recipients []string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.PublishTimeout)
	defer cancel()
	e := events.New(typ, threadID, userID, recipients, payload)
	if err := r.sink.Publish(ctx, e); err != nil {
		logger.Warn("event publish failed", zap.String("type", typ), zap.String("thread", threadID), zap.String("event", e.ID), zap.Error(err))
	}
}

func (r *Router) typingLock(threadID string) *sync.Mutex {
	return &r.typingMu[global.HashPartition(threadID, len(r.typingMu))]
}

// setTyping applies a typing change and broadcasts it while holding the
// thread's typing lock. apply reports whether anything is to be announced.
func (r *Router) setTyping(ctx context.Context, users []string, threadID, userID string, typing bool, apply func() bool) {
	mu := r.typingLock(threadID)
	mu.Lock()
	if !apply() {
		mu.Unlock()
		return
	}
	frame := protocol.MustEncode(&protocol.UserTyping{ThreadID: threadID, UserID: userID, IsTyping: typing})
	r.broadcast(ctx, users, userID, protocol.TypeUserTyping, frame)
	mu.Unlock()
	r.publish(ctx, protocol.TypeUserTyping, threadID, userID, others(users, userID), frame)
}

// typingExpired runs on the sweeper goroutine for each lapsed indicator.
// An indicator restarted after the sweep is left alone.
func (r *Router) typingExpired(threadID, userID string) {
	r.metrics.TypingExpiredInc()
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.LookupTimeout)
	defer cancel()
	users, err := r.members.ParticipantsOf(ctx, threadID)
	if err != nil {
		logger.Warn("typing expiry: participant list failed", zap.String("thread", threadID), zap.Error(err))
		return
	}
	r.setTyping(ctx, users, threadID, userID, false, func() bool {
		return !r.typing.IsTyping(threadID, userID)
	})
}

func others(users []string, exclude string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u != exclude {
			out = append(out, u)
		}
	}
	return out
}
