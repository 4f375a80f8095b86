package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/resilience"
)

const defaultPublishTimeout = 2 * time.Second

// HashStore is the subset of the Redis client the sink needs.
type HashStore interface {
	HSet(ctx context.Context, key string, values map[string]any) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// RedisSink mirrors channel positions into the hash "<prefix>:channels",
// one field per channel.
type RedisSink struct {
	store   HashStore
	key     string
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	logger  *slog.Logger
}

func ChannelsKey(prefix string) string {
	return prefix + ":channels"
}

// NewRedisSink wraps store. A nil breaker gets a default one.
func NewRedisSink(store HashStore, prefix string, breaker *resilience.CircuitBreaker) *RedisSink {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("redis-progress", resilience.CircuitBreakerConfig{
			IsSuccessful: resilience.IgnoreCancellation,
		})
	}
	return &RedisSink{
		store:   store,
		key:     ChannelsKey(prefix),
		breaker: breaker,
		timeout: defaultPublishTimeout,
		logger:  logger.WithComponent("redis-progress"),
	}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, positions map[uint16]int64) error {
	if len(positions) == 0 {
		return nil
	}
	values := make(map[string]any, len(positions))
	for ch, pos := range positions {
		values[channelField(ch)] = pos
	}
	err := s.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, s.timeout, "redis-progress", func(ctx context.Context) error {
			return s.store.HSet(ctx, s.key, values)
		})
	})
	if err != nil {
		return fmt.Errorf("publishing channel positions to %s: %w", s.key, err)
	}
	s.logger.Debug("channel positions published", "key", s.key, "channels", len(positions))
	return nil
}

// ReadChannels returns the positions last published under prefix.
func ReadChannels(ctx context.Context, store HashStore, prefix string) (map[uint16]int64, error) {
	fields, err := store.HGetAll(ctx, ChannelsKey(prefix))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ChannelsKey(prefix), err)
	}
	out := make(map[uint16]int64, len(fields))
	for field, value := range fields {
		ch, err := strconv.ParseUint(field, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid channel field %q: %w", field, err)
		}
		pos, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid position %q for channel %d: %w", value, ch, err)
		}
		out[uint16(ch)] = pos
	}
	return out, nil
}
