package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/kafka"
)

// sliceFetcher serves queued messages and then blocks until ctx ends.
type sliceFetcher struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (s *sliceFetcher) Fetch(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *sliceFetcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestConsumerAppliesPartitions(t *testing.T) {
	f := newFixture(t)
	f.index.RegisterData(1, 4)

	value := func(m Message) []byte {
		data, err := json.Marshal(m)
		require.NoError(t, err)
		return data
	}
	fetchers := map[int]*sliceFetcher{
		0: {msgs: []kafka.Message{
			{Partition: 0, Offset: 0, Value: value(NewUnitMessage(1, enIt, "zero", "zero"))},
			{Partition: 0, Offset: 1, Value: []byte("garbage")},
		}},
		1: {msgs: []kafka.Message{
			{Partition: 1, Offset: 5, Value: value(NewUnitMessage(2, itEn, "cinque", "five"))},
		}},
	}
	starts := make(map[int]int64)
	var mu sync.Mutex
	factory := func(partition int, offset int64) (Fetcher, error) {
		mu.Lock()
		defer mu.Unlock()
		starts[partition] = offset
		return fetchers[partition], nil
	}

	cfg := config.KafkaConfig{Partitions: []int{0, 1}, BatchSize: 10, BatchWait: 20 * time.Millisecond}
	c := NewConsumerWithReaders(cfg, f.applier, f.index, factory)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		p0, ok0 := f.index.ChannelPosition(0)
		p1, _ := f.index.ChannelPosition(1)
		return ok0 && p0 == 1 && p1 == 5
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.Equal(t, map[int]int64{0: -1, 1: 5}, starts)
	assert.True(t, fetchers[0].closed)
	assert.Equal(t, 2, f.store.DocCount())
	assert.Len(t, f.index.GetBucketsByDomain(1), 1)
	assert.Len(t, f.index.GetBucketsByDomain(2), 1)
}

func TestConsumerRejectsOutOfRangePartition(t *testing.T) {
	f := newFixture(t)
	cfg := config.KafkaConfig{Partitions: []int{70000}}
	c := NewConsumerWithReaders(cfg, f.applier, f.index, func(int, int64) (Fetcher, error) {
		return &sliceFetcher{}, nil
	})
	assert.Error(t, c.Run(context.Background()))
}
