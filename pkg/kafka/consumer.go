// Package kafka provides partition-pinned readers and writers backed by
// segmentio/kafka-go. Channels of the analyzer map one to one onto the
// partitions of the translation-unit topic, so no consumer group is used:
// the analyzer's own snapshot decides where each partition resumes.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/config"
)

// Message is one record read from a partition.
type Message struct {
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}

// PartitionReader reads a single partition starting at an explicit offset.
type PartitionReader struct {
	reader    *kafka.Reader
	partition int
	logger    *slog.Logger
}

// NewPartitionReader creates a reader positioned at offset. A negative offset
// starts from the first retained message.
func NewPartitionReader(cfg config.KafkaConfig, partition int, offset int64) (*PartitionReader, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     cfg.Topic,
		Partition: partition,
		MinBytes:  1e3,
		MaxBytes:  10e6,
		MaxWait:   cfg.BatchWait,
	})
	start := offset
	if start < 0 {
		start = kafka.FirstOffset
	}
	if err := r.SetOffset(start); err != nil {
		r.Close()
		return nil, fmt.Errorf("seeking partition %d to offset %d: %w", partition, offset, err)
	}
	return &PartitionReader{
		reader:    r,
		partition: partition,
		logger:    slog.Default().With("component", "kafka-reader", "topic", cfg.Topic, "partition", partition),
	}, nil
}

// Fetch blocks until the next message is available or ctx is done.
func (p *PartitionReader) Fetch(ctx context.Context) (Message, error) {
	msg, err := p.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	p.logger.Debug("message received",
		"offset", msg.Offset,
		"key", string(msg.Key),
		"value_size", len(msg.Value),
	)
	return Message{
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
	}, nil
}

func (p *PartitionReader) Partition() int {
	return p.partition
}

// Close closes the underlying Kafka reader.
func (p *PartitionReader) Close() error {
	return p.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
