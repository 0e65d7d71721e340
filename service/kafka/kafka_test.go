package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ChatRelay/service/events"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
)

func TestBuildBaseConfig(t *testing.T) {
	cfg, err := BuildBaseConfig(Config{Compression: "lz4", InitialOffset: "oldest", Version: "2.8.0"})
	if err != nil {
		t.Fatalf("BuildBaseConfig: %v", err)
	}
	if cfg.Producer.Compression != sarama.CompressionLZ4 {
		t.Fatalf("compression = %v", cfg.Producer.Compression)
	}
	if cfg.Consumer.Offsets.Initial != sarama.OffsetOldest {
		t.Fatalf("offset = %v", cfg.Consumer.Offsets.Initial)
	}
	if !cfg.Producer.Return.Successes || cfg.Producer.RequiredAcks != sarama.WaitForAll {
		t.Fatal("sync producer needs successes and full acks")
	}
	if cfg.ClientID != "chatrelay" || cfg.Producer.Retry.Max != 3 {
		t.Fatalf("defaults = %s/%d", cfg.ClientID, cfg.Producer.Retry.Max)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sarama rejects config: %v", err)
	}

	if _, err := BuildBaseConfig(Config{Version: "not-a-version"}); err == nil {
		t.Fatal("expected version error")
	}
}

func TestSinkSendsKeyedEvent(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	e := events.New("messages_read", "t9", "bob", nil, []byte(`{"type":"messages_read"}`))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got events.Event
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.ID != e.ID || got.ThreadID != "t9" {
			return errors.New("unexpected event body")
		}
		return nil
	})

	sink := NewSink(producer, "chat-events")
	if err := sink.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	if err := sink.Publish(context.Background(), e); err == nil {
		t.Fatal("expected producer failure to surface")
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type stalledProducer struct {
	sarama.SyncProducer
	release chan struct{}
}

func (p *stalledProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	<-p.release
	return 0, 0, nil
}

func TestSinkPublishHonoursDeadline(t *testing.T) {
	p := &stalledProducer{release: make(chan struct{})}
	defer close(p.release)
	sink := NewSink(p, "chat-events")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := sink.Publish(ctx, events.New("user_typing", "t1", "alice", nil, nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Publish = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Publish waited for the broker")
	}
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	if _, err := r.Get("a"); err == nil {
		t.Fatal("expected missing handler error")
	}
	var got string
	r.Register("a", func(topic string, key, value []byte) error { got = string(value); return nil })

	h := NewConsumerGroupHandler(r)
	h.handle(&sarama.ConsumerMessage{Topic: "a", Value: []byte("v")})
	h.handle(&sarama.ConsumerMessage{Topic: "b", Value: []byte("ignored")})
	if got != "v" {
		t.Fatalf("handler got %q", got)
	}
	if topics := r.Topics(); len(topics) != 1 || topics[0] != "a" {
		t.Fatalf("topics = %v", topics)
	}
}

type fakeAdmin struct {
	sarama.ClusterAdmin
	meta       []*sarama.TopicMetadata
	created    *sarama.TopicDetail
	partitions int32
	createErr  error
}

func (f *fakeAdmin) DescribeTopics([]string) ([]*sarama.TopicMetadata, error) { return f.meta, nil }

func (f *fakeAdmin) CreateTopic(_ string, d *sarama.TopicDetail, _ bool) error {
	f.created = d
	return f.createErr
}

func (f *fakeAdmin) CreatePartitions(_ string, n int32, _ [][]int32, _ bool) error {
	f.partitions = n
	return nil
}

func TestEnsureTopic(t *testing.T) {
	missing := &fakeAdmin{meta: []*sarama.TopicMetadata{{Name: "chat-events", Err: sarama.ErrUnknownTopicOrPartition}}}
	if err := EnsureTopic(missing, "chat-events", 6, 3); err != nil {
		t.Fatalf("EnsureTopic: %v", err)
	}
	if missing.created == nil || missing.created.NumPartitions != 6 || *missing.created.ConfigEntries["min.insync.replicas"] != "2" {
		t.Fatalf("created = %+v", missing.created)
	}

	raced := &fakeAdmin{meta: missing.meta, createErr: sarama.ErrTopicAlreadyExists}
	if err := EnsureTopic(raced, "chat-events", 6, 1); err != nil {
		t.Fatalf("already-exists race should be ignored: %v", err)
	}

	small := &fakeAdmin{meta: []*sarama.TopicMetadata{{Name: "chat-events", Err: sarama.ErrNoError, Partitions: make([]*sarama.PartitionMetadata, 2)}}}
	if err := EnsureTopic(small, "chat-events", 4, 1); err != nil {
		t.Fatalf("EnsureTopic: %v", err)
	}
	if small.partitions != 4 || small.created != nil {
		t.Fatalf("expected expansion to 4, got %d (created %v)", small.partitions, small.created)
	}
}
