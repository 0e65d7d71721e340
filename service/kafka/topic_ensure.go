package kafka

import (
	"ChatRelay/logger"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EnsureTopic creates the topic when missing and grows its partitions when
// fewer than wanted exist. Kafka never shrinks partitions.
func EnsureTopic(admin sarama.ClusterAdmin, topic string, partitions int32, rf int16) error {
	if partitions <= 0 {
		partitions = 1
	}
	if rf <= 0 {
		rf = 1
	}
	descs, err := admin.DescribeTopics([]string{topic})
	if err != nil {
		return errors.Wrapf(err, "describe topic %s", topic)
	}
	exists := len(descs) == 1 && descs[0].Err == sarama.ErrNoError

	if !exists {
		minISR := "1"
		if rf >= 3 {
			minISR = "2"
		}
		td := &sarama.TopicDetail{
			NumPartitions:     partitions,
			ReplicationFactor: rf,
			ConfigEntries: map[string]*string{
				"cleanup.policy":                 strPtr("delete"),
				"min.insync.replicas":            strPtr(minISR),
				"unclean.leader.election.enable": strPtr("false"),
				"compression.type":               strPtr("producer"),
			},
		}
		if err := admin.CreateTopic(topic, td, false); err != nil {
			var te *sarama.TopicError
			if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
				return nil
			}
			if errors.Is(err, sarama.ErrTopicAlreadyExists) {
				return nil
			}
			return errors.Wrapf(err, "create topic %s", topic)
		}
		logger.Info("kafka topic created", zap.String("topic", topic), zap.Int32("partitions", partitions), zap.Int16("rf", rf))
		return nil
	}

	cur := int32(len(descs[0].Partitions))
	if partitions > cur {
		if err := admin.CreatePartitions(topic, partitions, nil, false); err != nil {
			return errors.Wrapf(err, "expand partitions %s from %d to %d", topic, cur, partitions)
		}
		logger.Info("kafka partitions expanded", zap.String("topic", topic), zap.Int32("from", cur), zap.Int32("to", partitions))
	}
	return nil
}

// EnsureTopicFromConfig dials an admin client for c and ensures c.Topic.
func EnsureTopicFromConfig(c Config) error {
	cfg, err := BuildBaseConfig(c)
	if err != nil {
		return err
	}
	admin, err := sarama.NewClusterAdmin(c.Brokers, cfg)
	if err != nil {
		return errors.Wrap(err, "kafka admin")
	}
	defer admin.Close()
	return EnsureTopic(admin, c.Topic, c.Partitions, c.ReplicationFactor)
}

func strPtr(s string) *string { return &s }
