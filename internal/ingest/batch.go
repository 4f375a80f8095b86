// Package ingest applies batches of replicated translation units and
// deletions to the corpora index and its search mirror, advancing channel
// offsets only after the content they cover is durable.
package ingest

import (
	"sort"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/lang"
)

// TranslationUnit is one sentence pair read at Position of Channel.
type TranslationUnit struct {
	Channel     uint16
	Position    int64
	Domain      int64
	Direction   lang.Direction
	Sentence    string
	Translation string
}

// Deletion removes a domain, or only one direction of it when Direction is
// set.
type Deletion struct {
	Channel   uint16
	Position  int64
	Domain    int64
	Direction *lang.Direction
}

// Batch groups the units and deletions read from one or more channels
// together with the highest position seen on each channel. Positions may
// run ahead of the last unit when messages were skipped.
type Batch struct {
	Units     []TranslationUnit
	Deletions []Deletion
	Positions map[uint16]int64
}

func NewBatch() *Batch {
	return &Batch{Positions: make(map[uint16]int64)}
}

func (b *Batch) AddUnit(u TranslationUnit) {
	b.Units = append(b.Units, u)
	b.Advance(u.Channel, u.Position)
}

func (b *Batch) AddDeletion(d Deletion) {
	b.Deletions = append(b.Deletions, d)
	b.Advance(d.Channel, d.Position)
}

// Advance records that the channel was read up to position.
func (b *Batch) Advance(channel uint16, position int64) {
	if b.Positions == nil {
		b.Positions = make(map[uint16]int64)
	}
	if cur, ok := b.Positions[channel]; !ok || position > cur {
		b.Positions[channel] = position
	}
}

// Empty reports whether the batch carries no position at all.
func (b *Batch) Empty() bool {
	return len(b.Units) == 0 && len(b.Deletions) == 0 && len(b.Positions) == 0
}

func (b *Batch) Reset() {
	b.Units = b.Units[:0]
	b.Deletions = b.Deletions[:0]
	b.Positions = make(map[uint16]int64)
}

// segments cuts b after every deletion. Units and deletions keep their
// position order within a channel. Each segment advances the channels only
// as far as its own entries, except the last one, which carries the
// positions of the whole batch.
func segments(b *Batch) []*Batch {
	if len(b.Deletions) == 0 {
		return []*Batch{b}
	}
	type entry struct {
		channel  uint16
		position int64
		unit     *TranslationUnit
		deletion *Deletion
	}
	entries := make([]entry, 0, len(b.Units)+len(b.Deletions))
	for i := range b.Units {
		u := &b.Units[i]
		entries = append(entries, entry{channel: u.Channel, position: u.Position, unit: u})
	}
	for i := range b.Deletions {
		d := &b.Deletions[i]
		entries = append(entries, entry{channel: d.Channel, position: d.Position, deletion: d})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].channel != entries[j].channel {
			return entries[i].channel < entries[j].channel
		}
		return entries[i].position < entries[j].position
	})

	var out []*Batch
	cur := NewBatch()
	for _, e := range entries {
		if e.unit != nil {
			cur.AddUnit(*e.unit)
			continue
		}
		cur.AddDeletion(*e.deletion)
		out = append(out, cur)
		cur = NewBatch()
	}
	if len(cur.Units) > 0 {
		out = append(out, cur)
	}
	last := out[len(out)-1]
	for ch, pos := range b.Positions {
		last.Advance(ch, pos)
	}
	return out
}
