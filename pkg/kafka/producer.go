package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/config"
)

// Event is the unit of data published to Kafka. Value is JSON-serialised.
type Event struct {
	Key   string
	Value any
}

// Producer publishes JSON-encoded events to one partition of the topic.
type Producer struct {
	writer    *kafka.Writer
	partition int
	logger    *slog.Logger
}

// NewPartitionProducer creates a Producer whose writes all land on partition.
func NewPartitionProducer(cfg config.KafkaConfig, partition int) *Producer {
	w := &kafka.Writer{
		Addr:  kafka.TCP(cfg.Brokers...),
		Topic: cfg.Topic,
		Balancer: kafka.BalancerFunc(func(kafka.Message, ...int) int {
			return partition
		}),
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &Producer{
		writer:    w,
		partition: partition,
		logger:    slog.Default().With("component", "kafka-producer", "topic", cfg.Topic, "partition", partition),
	}
}

// PublishBatch writes multiple events to Kafka in a single write call.
func (p *Producer) PublishBatch(ctx context.Context, events []Event) error {
	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(event.Value)
		if err != nil {
			return fmt.Errorf("marshaling event value: %w", err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(event.Key),
			Value: value,
		})
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		p.logger.Error("failed to publish batch",
			"count", len(messages),
			"error", err,
		)
		return fmt.Errorf("publishing batch to kafka: %w", err)
	}
	p.logger.Debug("batch published", "count", len(messages))
	return nil
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// LastOffset returns the offset the next message written to partition will
// receive.
func LastOffset(ctx context.Context, cfg config.KafkaConfig, partition int) (int64, error) {
	if len(cfg.Brokers) == 0 {
		return 0, fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Brokers[0], cfg.Topic, partition)
	if err != nil {
		return 0, fmt.Errorf("dialing leader of partition %d: %w", partition, err)
	}
	defer conn.Close()
	offset, err := conn.ReadLastOffset()
	if err != nil {
		return 0, fmt.Errorf("reading last offset of partition %d: %w", partition, err)
	}
	return offset, nil
}
