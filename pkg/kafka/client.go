package kafka

import (
	"context"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/opsdesk/opsdesk-backend/pkg/config"
)

// NewWriter builds a producer for one topic. Every in-sync replica must
// acknowledge a write and payloads are LZ4 compressed. The Hash balancer maps
// a message key to a stable partition, so chunk keys spread evenly while
// redeliveries of the same chunk land on the same partition.
func NewWriter(cfg config.KafkaConfig, topic string) *kgo.Writer {
	return &kgo.Writer{
		Addr:         kgo.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireAll,
		Compression:  kgo.Lz4,
		WriteTimeout: cfg.ProducerSendTimeout(),
		BatchTimeout: 50 * time.Millisecond,
	}
}

// NewReader builds a consumer-group reader with manual commits. StartOffset
// only applies when the group has no committed offset yet.
func NewReader(cfg config.KafkaConfig, topic, groupID string, queueCapacity int) *kgo.Reader {
	if queueCapacity <= 0 {
		queueCapacity = 100
	}
	return kgo.NewReader(kgo.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		QueueCapacity:  queueCapacity,
		CommitInterval: 0, // manual commits
		StartOffset:    kgo.FirstOffset,
	})
}

// Ping verifies at least one broker is reachable.
func Ping(ctx context.Context, cfg config.KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kgo.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("listing brokers: %w", err)
	}
	return nil
}
