package kafka

import (
	"context"
	"fmt"
	"net"
	"strconv"

	kgo "github.com/segmentio/kafka-go"

	"github.com/opsdesk/opsdesk-backend/pkg/config"
)

const millisPerDay = 24 * 60 * 60 * 1000

// EnsureTopics provisions the pipeline topology against the cluster
// controller. CreateTopics is idempotent, so existing topics are left alone.
func EnsureTopics(ctx context.Context, cfg config.KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	conn, err := kgo.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("resolving controller: %w", err)
	}

	controllerAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	controllerConn, err := kgo.DialContext(ctx, "tcp", controllerAddr)
	if err != nil {
		return fmt.Errorf("dialing controller: %w", err)
	}
	defer controllerConn.Close()

	if err := controllerConn.CreateTopics(TopicConfigs(cfg)...); err != nil {
		return fmt.Errorf("creating topics: %w", err)
	}
	return nil
}

// TopicConfigs returns the full topology: the bulk topic, its single-partition
// dead letter topic with extended retention, and the notifications topic.
func TopicConfigs(cfg config.KafkaConfig) []kgo.TopicConfig {
	return []kgo.TopicConfig{
		{
			Topic:             cfg.BulkTopic,
			NumPartitions:     cfg.BulkPartitions,
			ReplicationFactor: 1,
			ConfigEntries:     retentionEntries(cfg.BulkRetentionDays),
		},
		{
			Topic:             cfg.DLTTopic(),
			NumPartitions:     1,
			ReplicationFactor: 1,
			ConfigEntries:     retentionEntries(cfg.DLTRetentionDays),
		},
		{
			Topic:             cfg.NotificationsTopic,
			NumPartitions:     cfg.NotificationsPartitions,
			ReplicationFactor: 1,
			ConfigEntries:     retentionEntries(cfg.BulkRetentionDays),
		},
	}
}

func retentionEntries(days int) []kgo.ConfigEntry {
	if days <= 0 {
		return nil
	}
	return []kgo.ConfigEntry{
		{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(int64(days)*millisPerDay, 10),
		},
	}
}
