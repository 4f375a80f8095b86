package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/resilience"
)

type fakeHashStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	err    error
	calls  int
}

func newFakeHashStore() *fakeHashStore {
	return &fakeHashStore{hashes: make(map[string]map[string]string)}
}

func (f *fakeHashStore) HSet(_ context.Context, key string, values map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range values {
		h[k] = fmt.Sprint(v)
	}
	return nil
}

func (f *fakeHashStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func TestRedisSinkPublish(t *testing.T) {
	store := newFakeHashStore()
	sink := NewRedisSink(store, "ca", nil)
	ctx := context.Background()

	require.NoError(t, sink.Publish(ctx, map[uint16]int64{1: 10, 2: 20}))
	require.NoError(t, sink.Publish(ctx, map[uint16]int64{1: 15}))
	require.NoError(t, sink.Publish(ctx, nil))

	assert.Equal(t, map[string]string{"1": "15", "2": "20"}, store.hashes["ca:channels"])
	assert.Equal(t, 2, store.calls)

	got, err := ReadChannels(ctx, store, "ca")
	require.NoError(t, err)
	assert.Equal(t, map[uint16]int64{1: 15, 2: 20}, got)
}

func TestRedisSinkBreakerOpens(t *testing.T) {
	store := newFakeHashStore()
	store.err = errors.New("connection refused")
	breaker := resilience.NewCircuitBreaker("redis-progress-test", resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	})
	sink := NewRedisSink(store, "ca", breaker)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.Error(t, sink.Publish(ctx, map[uint16]int64{1: 1}))
	}
	err := sink.Publish(ctx, map[uint16]int64{1: 1})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, store.calls)
}

func TestReadChannelsRejectsGarbage(t *testing.T) {
	store := newFakeHashStore()
	store.hashes["ca:channels"] = map[string]string{"x": "1"}
	_, err := ReadChannels(context.Background(), store, "ca")
	assert.Error(t, err)

	store.hashes["ca:channels"] = map[string]string{"1": "nope"}
	_, err = ReadChannels(context.Background(), store, "ca")
	assert.Error(t, err)
}
