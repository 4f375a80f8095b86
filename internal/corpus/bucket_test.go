package corpus

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/lang"
	apperrors "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/errors"
)

var enIt = lang.Direction{Source: "en", Target: "it"}

func TestBucketAppendScan(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBucket(DefaultOptions(), dir, enIt, 42)
	require.NoError(t, err)
	defer b.Close()

	pairs := []Pair{
		{Source: "hello world", Target: "ciao mondo"},
		{Source: "good morning", Target: "buongiorno"},
	}
	for _, p := range pairs {
		require.NoError(t, b.Append(p))
	}
	require.NoError(t, b.Sync())
	assert.EqualValues(t, 2, b.Count())
	assert.Positive(t, b.Size())
	assert.Equal(t, "42.en.it.bkt", b.FileName())

	var got []Pair
	require.NoError(t, b.Scan(func(p Pair) error {
		got = append(got, p)
		return nil
	}))
	assert.Equal(t, pairs, got)
}

func TestBucketCloseIdempotent(t *testing.T) {
	b, err := NewBucket(DefaultOptions(), t.TempDir(), enIt, 1)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err = b.Append(Pair{Source: "a", Target: "b"})
	assert.ErrorIs(t, err, apperrors.ErrClosed)
}

func TestBucketSerializeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBucket(DefaultOptions(), dir, enIt, 7)
	require.NoError(t, err)
	require.NoError(t, b.Append(Pair{Source: "one", Target: "uno"}))
	require.NoError(t, b.Append(Pair{Source: "two", Target: "due"}))
	require.NoError(t, b.Sync())

	var buf bytes.Buffer
	require.NoError(t, SerializeBucket(b, &buf))
	size := b.Size()
	require.NoError(t, b.Close())

	restored, err := DeserializeBucket(DefaultOptions(), dir, bufio.NewReader(&buf))
	require.NoError(t, err)
	defer restored.Close()

	assert.Equal(t, enIt, restored.Direction())
	assert.EqualValues(t, 7, restored.Domain())
	assert.Equal(t, size, restored.Size())
	assert.EqualValues(t, 2, restored.Count())

	require.NoError(t, restored.Append(Pair{Source: "three", Target: "tre"}))
	assert.EqualValues(t, 3, restored.Count())
}

func TestBucketTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBucket(DefaultOptions(), dir, enIt, 3)
	require.NoError(t, err)
	require.NoError(t, b.Append(Pair{Source: "kept", Target: "tenuto"}))
	size := b.Size()
	var buf bytes.Buffer
	require.NoError(t, SerializeBucket(b, &buf))
	require.NoError(t, b.Close())

	f, err := os.OpenFile(filepath.Join(dir, b.FileName()), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x20, 0, 0, 0, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	restored, err := DeserializeBucket(DefaultOptions(), dir, bufio.NewReader(&buf))
	require.NoError(t, err)
	defer restored.Close()
	assert.Equal(t, size, restored.Size())

	info, err := os.Stat(restored.Path())
	require.NoError(t, err)
	assert.Equal(t, size, info.Size())
}

func TestDeserializeBucketFailures(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBucket(DefaultOptions(), dir, enIt, 5)
	require.NoError(t, err)
	require.NoError(t, b.Append(Pair{Source: "x", Target: "y"}))
	require.NoError(t, b.Close())

	cases := map[string]string{
		"too few fields":   "en it 5 5.en.it.bkt 10\n",
		"bad domain":       "en it five 5.en.it.bkt 10 1\n",
		"bad tag":          "e_n it 5 5.e_n.it.bkt 10 1\n",
		"name mismatch":    "en it 5 6.en.it.bkt 10 1\n",
		"negative size":    "en it 5 5.en.it.bkt -1 1\n",
		"missing storage":  "en fr 5 5.en.fr.bkt 0 0\n",
		"size beyond data": "en it 5 5.en.it.bkt 999999 1\n",
		"empty input":      "",
	}
	for name, record := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DeserializeBucket(DefaultOptions(), dir, bufio.NewReader(strings.NewReader(record)))
			require.Error(t, err)
			var corrupt *apperrors.CorruptIndexError
			assert.ErrorAs(t, err, &corrupt)
		})
	}
}

func TestDropRemovesStorage(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBucket(DefaultOptions(), dir, enIt, 9)
	require.NoError(t, err)
	require.NoError(t, b.Drop())
	_, err = os.Stat(b.Path())
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, b.Drop())
}

func TestNewBucketTruncatesLeftovers(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBucket(DefaultOptions(), dir, enIt, 11)
	require.NoError(t, err)
	require.NoError(t, b.Append(Pair{Source: "stale", Target: "vecchio"}))
	require.NoError(t, b.Close())

	fresh, err := NewBucket(DefaultOptions(), dir, enIt, 11)
	require.NoError(t, err)
	defer fresh.Close()
	assert.Zero(t, fresh.Size())
	assert.Zero(t, fresh.Count())
}

func TestParseBucketFileName(t *testing.T) {
	d, domain, ok := parseBucketFileName(BucketFileName(lang.Direction{Source: "en-US", Target: "it"}, -12))
	require.True(t, ok)
	assert.Equal(t, lang.Direction{Source: "en-US", Target: "it"}, d)
	assert.EqualValues(t, -12, domain)

	for _, bad := range []string{"1.en.it.log", "en.it.bkt", "x.en.it.bkt", "1.en.it.fr.bkt"} {
		_, _, ok := parseBucketFileName(bad)
		assert.False(t, ok, bad)
	}
}
