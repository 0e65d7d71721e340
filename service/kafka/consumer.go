package kafka

import (
	"context"

	"ChatRelay/logger"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type ConsumerGroupHandler struct {
	router *Router
}

func NewConsumerGroupHandler(r *Router) *ConsumerGroupHandler {
	return &ConsumerGroupHandler{router: r}
}

func (h *ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handle(msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *ConsumerGroupHandler) handle(msg *sarama.ConsumerMessage) {
	handler, err := h.router.Get(msg.Topic)
	if err != nil {
		logger.Warn("kafka message without handler", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}
	if err := handler(msg.Topic, msg.Key, msg.Value); err != nil {
		logger.Error("kafka handler failed",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}

// Consume runs a consumer group over the router's topics until ctx ends.
func Consume(ctx context.Context, c Config, r *Router) error {
	if c.GroupID == "" {
		return errors.New("kafka group id missing")
	}
	cfg, err := BuildBaseConfig(c)
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroup(c.Brokers, c.GroupID, cfg)
	if err != nil {
		return errors.Wrap(err, "kafka consumer group")
	}
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			logger.Warn("kafka consumer group error", zap.Error(err))
		}
	}()

	handler := NewConsumerGroupHandler(r)
	topics := r.Topics()
	for ctx.Err() == nil {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.Warn("kafka consume", zap.Error(err))
		}
	}
	return nil
}
