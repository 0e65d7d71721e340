package natsx

import (
	"context"

	"ChatRelay/global"
	"ChatRelay/service/events"
	"ChatRelay/service/protocol"

	"github.com/pkg/errors"
)

// HeaderEventType carries the relay event type next to the payload.
const HeaderEventType = "Chat-Event-Type"

// EventTypes are the relay events published outward.
var EventTypes = []string{protocol.TypeNewMessage, protocol.TypeMessagesRead, protocol.TypeUserTyping}

// Sink publishes relay events on <prefix>.<event type>.
type Sink struct {
	client   *Client
	producer *Producer
}

// NewSink registers one route per event type on client.
func NewSink(client *Client, prefix string, mode Mode) (*Sink, error) {
	for _, typ := range EventTypes {
		if err := client.RegisterRoute(Route{Biz: typ, Subject: global.EventSubject(prefix, typ), Mode: mode}); err != nil {
			return nil, errors.Wrapf(err, "route %s", typ)
		}
	}
	return &Sink{client: client, producer: NewProducer(client)}, nil
}

func (s *Sink) Publish(ctx context.Context, e events.Event) error {
	body, err := e.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return s.producer.PublishOnce(ctx, e.Type, body, map[string]string{HeaderEventType: e.Type}, e.ID)
}

func (s *Sink) Close() error {
	return s.client.Close()
}

// Tail subscribes to every relay event type and calls fn once per event id.
func Tail(ctx context.Context, client *Client, idem IdemStore, fn func(events.Event) error) error {
	cs := NewConsumer(client, IdemMiddleware(idem, 0))
	for _, typ := range EventTypes {
		err := cs.Subscribe(ctx, typ, func(_ context.Context, msg Message) error {
			e, err := events.Unmarshal(msg.Data)
			if err != nil {
				return errors.Wrap(err, "decode event")
			}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
