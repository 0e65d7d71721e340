package kafka

import (
	"context"

	"ChatRelay/service/events"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

const (
	HeaderEventType = "chat-event-type"
	HeaderEventID   = "chat-event-id"
)

// NewSyncProducer connects a synchronous producer to c.Brokers.
func NewSyncProducer(c Config) (sarama.SyncProducer, error) {
	if len(c.Brokers) == 0 {
		return nil, errors.New("kafka brokers missing")
	}
	cfg, err := BuildBaseConfig(c)
	if err != nil {
		return nil, err
	}
	p, err := sarama.NewSyncProducer(c.Brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	return p, nil
}

// Sink writes relay events to one topic keyed by thread id.
type Sink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewSink(p sarama.SyncProducer, topic string) *Sink {
	return &Sink{producer: p, topic: topic}
}

func (s *Sink) Publish(ctx context.Context, e events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := e.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(e.ThreadID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(e.Type)},
			{Key: []byte(HeaderEventID), Value: []byte(e.ID)},
		},
	}
	// SendMessage has no context; the send finishes in the background when
	// ctx ends first and is bounded by Producer.Timeout
	sent := make(chan error, 1)
	go func() {
		_, _, err := s.producer.SendMessage(msg)
		sent <- err
	}()
	select {
	case err := <-sent:
		return errors.Wrapf(err, "send to %s", s.topic)
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "send to %s", s.topic)
	}
}

func (s *Sink) Close() error {
	return s.producer.Close()
}
