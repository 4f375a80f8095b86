package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/mirror"
)

func TestOpenIndexLoadsSnapshot(t *testing.T) {
	f := newFixture(t)
	b := NewBatch()
	b.AddUnit(unit(1, 8, 3, enIt, "a", "b"))
	_, err := f.applier.Apply(context.Background(), b)
	require.NoError(t, err)

	idx, err := OpenIndex(corpus.DefaultOptions(), f.index.Path(), filepath.Join(f.dir, "buckets"), f.store)
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, map[uint16]int64{1: 8}, idx.GetChannels())
	assert.Equal(t, 1, idx.Len())
}

func TestOpenIndexRebuildsFromMirror(t *testing.T) {
	f := newFixture(t)
	b := NewBatch()
	b.AddUnit(unit(1, 8, 3, enIt, "a", "b"))
	b.AddUnit(unit(2, 2, 4, itEn, "c", "d"))
	_, err := f.applier.Apply(context.Background(), b)
	require.NoError(t, err)
	require.NoError(t, os.Remove(f.index.Path()))

	idx, err := OpenIndex(corpus.DefaultOptions(), f.index.Path(), filepath.Join(f.dir, "buckets"), f.store)
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, map[uint16]int64{1: 8, 2: 2}, idx.GetChannels())
	assert.Equal(t, 2, idx.Len())

	_, err = os.Stat(f.index.Path())
	assert.NoError(t, err, "rebuilt index is saved")
}

func TestOpenIndexEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := mirror.Open(filepath.Join(dir, "mirror"))
	require.NoError(t, err)
	defer store.Close()

	idx, err := OpenIndex(corpus.DefaultOptions(), filepath.Join(dir, "corpora.idx"), filepath.Join(dir, "buckets"), store)
	require.NoError(t, err)
	defer idx.Close()
	assert.Zero(t, idx.Len())
	assert.Empty(t, idx.GetChannels())
}

func TestDivergence(t *testing.T) {
	diff := Divergence(
		map[uint16]int64{1: 10, 2: 20, 3: 30},
		map[uint16]int64{1: 10, 2: 25, 4: 40},
	)
	assert.Equal(t, []ChannelDiff{
		{Channel: 2, Index: 20, Mirror: 25},
		{Channel: 3, Index: 30, Mirror: -1},
		{Channel: 4, Index: -1, Mirror: 40},
	}, diff)
	assert.Empty(t, Divergence(map[uint16]int64{1: 1}, map[uint16]int64{1: 1}))
}
