package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

type Config struct {
	Brokers           []string
	ClientID          string
	Topic             string
	GroupID           string
	Version           string // e.g. "2.1.0"
	Compression       string // none/snappy/lz4/zstd
	Retries           int
	InitialOffset     string // newest/oldest
	Partitions        int32
	ReplicationFactor int16
}

// BuildBaseConfig turns Config into a sarama config. Messages are keyed by
// thread id and the hash partitioner keeps one thread on one partition.
func BuildBaseConfig(c Config) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = c.ClientID
	if cfg.ClientID == "" {
		cfg.ClientID = "chatrelay"
	}
	cfg.Version = sarama.V2_1_0_0
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, errors.Wrapf(err, "kafka version %q", c.Version)
		}
		cfg.Version = v
	}

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.Retries
	if cfg.Producer.Retry.Max <= 0 {
		cfg.Producer.Retry.Max = 3
	}
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	switch strings.ToLower(c.InitialOffset) {
	case "oldest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg, nil
}
