package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/errors"
)

func encode(t *testing.T, m Message) []byte {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func TestDecodeUnit(t *testing.T) {
	b := NewBatch()
	require.NoError(t, Decode(b, 2, 40, encode(t, NewUnitMessage(9, enIt, "hi", "ciao"))))

	require.Len(t, b.Units, 1)
	assert.Equal(t, unit(2, 40, 9, enIt, "hi", "ciao"), b.Units[0])
	assert.Equal(t, map[uint16]int64{2: 40}, b.Positions)
}

func TestDecodeDeletion(t *testing.T) {
	b := NewBatch()
	require.NoError(t, Decode(b, 1, 3, encode(t, NewDeletionMessage(9, nil))))
	require.NoError(t, Decode(b, 1, 4, encode(t, NewDeletionMessage(9, &itEn))))

	require.Len(t, b.Deletions, 2)
	assert.Nil(t, b.Deletions[0].Direction)
	require.NotNil(t, b.Deletions[1].Direction)
	assert.Equal(t, itEn, *b.Deletions[1].Direction)
	assert.Equal(t, map[uint16]int64{1: 4}, b.Positions)
}

func TestDecodeInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"type":`,
		"unknown type":    `{"type":"upsert","domain":1}`,
		"reserved domain": `{"type":"unit","domain":0,"source":"en","target":"it"}`,
		"bad tag":         `{"type":"unit","domain":1,"source":"e n","target":"it"}`,
		"half direction":  `{"type":"deletion","domain":1,"source":"en"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			b := NewBatch()
			err := Decode(b, 1, 1, []byte(raw))
			assert.ErrorIs(t, err, apperrors.ErrInvalidMessage)
			assert.True(t, b.Empty())
		})
	}
}

func TestBatchAdvanceKeepsMaximum(t *testing.T) {
	b := NewBatch()
	b.Advance(1, 10)
	b.Advance(1, 5)
	b.Advance(2, 0)
	assert.Equal(t, map[uint16]int64{1: 10, 2: 0}, b.Positions)

	b.Reset()
	assert.True(t, b.Empty())
}

func TestSegmentsCutAfterDeletions(t *testing.T) {
	b := NewBatch()
	b.AddUnit(unit(1, 0, 5, enIt, "a", "a"))
	b.AddUnit(unit(1, 3, 5, enIt, "d", "d"))
	b.AddUnit(unit(2, 0, 6, enIt, "x", "x"))
	b.AddDeletion(Deletion{Channel: 1, Position: 1, Domain: 5})
	b.AddDeletion(Deletion{Channel: 1, Position: 2, Domain: 6})
	b.Advance(2, 9)

	segs := segments(b)
	require.Len(t, segs, 3)

	assert.Len(t, segs[0].Units, 1)
	assert.Equal(t, int64(1), segs[0].Deletions[0].Position)
	assert.Equal(t, map[uint16]int64{1: 1}, segs[0].Positions)

	assert.Empty(t, segs[1].Units)
	assert.Equal(t, int64(2), segs[1].Deletions[0].Position)
	assert.Equal(t, map[uint16]int64{1: 2}, segs[1].Positions)

	require.Len(t, segs[2].Units, 2)
	assert.Equal(t, int64(3), segs[2].Units[0].Position)
	assert.Equal(t, uint16(2), segs[2].Units[1].Channel)
	assert.Equal(t, map[uint16]int64{1: 3, 2: 9}, segs[2].Positions)
}

func TestSegmentsTrailingDeletionCarriesBatchPositions(t *testing.T) {
	b := NewBatch()
	b.AddUnit(unit(1, 0, 5, enIt, "a", "a"))
	b.AddDeletion(Deletion{Channel: 1, Position: 1, Domain: 5})
	b.Advance(1, 4)

	segs := segments(b)
	require.Len(t, segs, 1)
	assert.Equal(t, map[uint16]int64{1: 4}, segs[0].Positions)

	plain := NewBatch()
	plain.AddUnit(unit(1, 0, 5, enIt, "a", "a"))
	assert.Equal(t, []*Batch{plain}, segments(plain))
}
