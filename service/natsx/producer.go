package natsx

import (
	"context"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// HeaderMsgID is the JetStream dedupe header.
const HeaderMsgID = "Nats-Msg-Id"

type Producer struct{ c *Client }

func NewProducer(c *Client) *Producer { return &Producer{c: c} }

// Publish sends data on the subject routed for biz.
func (p *Producer) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := p.c.route(biz)
	if !ok {
		return errors.Errorf("route not found: %s", biz)
	}
	pub, err := p.c.publisherFor(r.Mode)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(r.Subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Set(k, v)
	}
	if err := pub.PublishMsg(msg); err != nil {
		return errors.Wrapf(err, "publish %s", r.Subject)
	}
	return nil
}

// PublishOnce publishes with a Nats-Msg-Id header; an empty msgID gets a fresh uuid.
func (p *Producer) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	h := make(map[string]string, len(hdr)+1)
	for k, v := range hdr {
		h[k] = v
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}
	h[HeaderMsgID] = msgID
	return p.Publish(ctx, biz, data, h)
}
