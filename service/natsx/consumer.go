package natsx

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

type Consumer struct {
	c   *Client
	mws []Middleware
}

func NewConsumer(c *Client, mws ...Middleware) *Consumer {
	return &Consumer{c: c, mws: mws}
}

// Subscribe attaches h to the route for biz. JetStream messages are acked
// when h succeeds and nacked otherwise.
func (cs *Consumer) Subscribe(ctx context.Context, biz string, h Handler) error {
	r, ok := cs.c.route(biz)
	if !ok {
		return errors.Errorf("route not found: %s", biz)
	}
	if cs.c.nc == nil {
		return errors.New("nats not connected")
	}
	h = Chain(h, cs.mws...)
	cb := msgCallback(ctx, r.Mode, h)

	var (
		sub *nats.Subscription
		err error
	)
	switch r.Mode {
	case Core:
		if r.Queue == "" {
			sub, err = cs.c.nc.Subscribe(r.Subject, cb)
		} else {
			sub, err = cs.c.nc.QueueSubscribe(r.Subject, r.Queue, cb)
		}
	case JetStream:
		if cs.c.js == nil {
			return errors.New("jetstream not initialized")
		}
		opts := []nats.SubOpt{nats.ManualAck(), nats.AckWait(r.AckWait)}
		if r.Durable != "" {
			opts = append(opts, nats.Durable(r.Durable))
		}
		if r.Queue == "" {
			sub, err = cs.c.js.Subscribe(r.Subject, cb, opts...)
		} else {
			sub, err = cs.c.js.QueueSubscribe(r.Subject, r.Queue, cb, opts...)
		}
	default:
		return errors.Errorf("mode not supported: %v", r.Mode)
	}
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", r.Subject)
	}
	cs.c.mu.Lock()
	cs.c.subs[biz] = sub
	cs.c.mu.Unlock()
	return nil
}

func msgCallback(ctx context.Context, mode Mode, h Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		err := h(ctx, toMessage(m))
		if mode != JetStream {
			return
		}
		if err == nil {
			_ = m.Ack()
		} else {
			_ = m.Nak()
		}
	}
}

func toMessage(m *nats.Msg) Message {
	return Message{
		Subject: m.Subject,
		Data:    append([]byte(nil), m.Data...),
		Header:  headerToMap(m.Header),
	}
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
