package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/resilience"
)

const fetchErrorBackoff = time.Second

// Fetcher reads one partition in order.
type Fetcher interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ReaderFactory opens a Fetcher on partition positioned at offset; a
// negative offset means the beginning of the partition.
type ReaderFactory func(partition int, offset int64) (Fetcher, error)

// PositionSource reports the last applied position of a channel.
type PositionSource interface {
	ChannelPosition(channel uint16) (int64, bool)
}

// Consumer feeds one batch loop per partition into the Applier. Partition
// numbers are channel numbers.
type Consumer struct {
	applier    *Applier
	positions  PositionSource
	partitions []int
	newReader  ReaderFactory
	batchSize  int
	batchWait  time.Duration
	retry      resilience.RetryConfig
	logger     *slog.Logger
}

// NewConsumer creates a Consumer reading the configured partitions through
// kafka-go.
func NewConsumer(cfg config.KafkaConfig, applier *Applier, positions PositionSource) *Consumer {
	factory := func(partition int, offset int64) (Fetcher, error) {
		return kafka.NewPartitionReader(cfg, partition, offset)
	}
	return NewConsumerWithReaders(cfg, applier, positions, factory)
}

// NewConsumerWithReaders is NewConsumer with a custom reader factory.
func NewConsumerWithReaders(cfg config.KafkaConfig, applier *Applier, positions PositionSource, factory ReaderFactory) *Consumer {
	partitions := cfg.Partitions
	if len(partitions) == 0 {
		partitions = []int{0}
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	batchWait := cfg.BatchWait
	if batchWait <= 0 {
		batchWait = 2 * time.Second
	}
	return &Consumer{
		applier:    applier,
		positions:  positions,
		partitions: partitions,
		newReader:  factory,
		batchSize:  batchSize,
		batchWait:  batchWait,
		retry: resilience.RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Retryable: func(err error) bool {
				return !apperrors.IsCorrupt(err) && !errors.Is(err, apperrors.ErrClosed)
			},
		},
		logger: logger.WithComponent("consumer"),
	}
}

// Run consumes every partition until ctx is cancelled or a batch cannot be
// applied.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.partitions {
		g.Go(func() error {
			return c.consume(gctx, p)
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) consume(ctx context.Context, partition int) error {
	if partition < 0 || partition > 0xFFFF {
		return fmt.Errorf("partition %d cannot be used as a channel", partition)
	}
	channel := uint16(partition)
	log := logger.WithChannel("consumer", channel)

	start := int64(-1)
	if pos, ok := c.positions.ChannelPosition(channel); ok {
		start = pos + 1
	}
	reader, err := c.newReader(partition, start)
	if err != nil {
		return fmt.Errorf("opening partition %d: %w", partition, err)
	}
	defer reader.Close()
	log.Info("partition consumer started", "offset", start)

	retry := c.retry
	retry.OnRetry = func(attempt int, err error, next time.Duration) {
		log.Warn("batch apply failed, retrying", "attempt", attempt, "error", err, "next_delay", next)
	}
	batch := NewBatch()
	for {
		fillErr := c.fill(ctx, reader, channel, batch)
		if !batch.Empty() {
			err := resilience.Retry(ctx, "apply-batch", retry, func() error {
				_, err := c.applier.Apply(ctx, batch)
				return err
			})
			if err != nil {
				return fmt.Errorf("applying batch on channel %d: %w", channel, err)
			}
			batch.Reset()
		}
		switch {
		case fillErr == nil:
		case ctx.Err() != nil:
			log.Info("partition consumer stopping", "reason", ctx.Err())
			return nil
		default:
			log.Error("failed to fetch message", "error", fillErr)
			select {
			case <-time.After(fetchErrorBackoff):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// fill reads into b until batchSize messages were read or batchWait has
// passed since the first one. Undecodable messages only advance the
// channel.
func (c *Consumer) fill(ctx context.Context, r Fetcher, channel uint16, b *Batch) error {
	fetchCtx := ctx
	cancel := context.CancelFunc(func() {})
	defer func() { cancel() }()

	for n := 0; n < c.batchSize; n++ {
		msg, err := r.Fetch(fetchCtx)
		if err != nil {
			if n > 0 && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if n == 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, c.batchWait)
		}
		if err := Decode(b, channel, msg.Offset, msg.Value); err != nil {
			c.logger.Warn("skipping message",
				"channel", channel,
				"offset", msg.Offset,
				"error", err,
			)
			b.Advance(channel, msg.Offset)
		}
	}
	return nil
}
