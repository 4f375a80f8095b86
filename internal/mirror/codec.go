package mirror

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/lang"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/mirror/tokenizer"
)

const (
	ChannelsField    = "channels"
	DomainField      = "domain"
	LanguageField    = "language"
	SentenceField    = "sentence"
	TranslationField = "translation"

	// ChannelsDomain is the sentinel domain of the channels document.
	ChannelsDomain int64 = 0

	channelRecordLen = 10
)

// Entry is the projection of a content document read back from the store.
type Entry struct {
	Domain int64
	Source []string
	Target []string
}

// SerializeDirection is the exact-match form of a direction in the index.
func SerializeDirection(d lang.Direction) string {
	return d.String()
}

// BuildDocument produces the content document of one sentence pair.
func BuildDocument(direction lang.Direction, domain int64, sentence, translation string) Document {
	var doc Document
	doc.Add(NewLong(DomainField, domain, true))
	doc.Add(NewKeyword(LanguageField, SerializeDirection(direction), false))
	doc.Add(NewText(SentenceField, sentence, true))
	doc.Add(NewStored(TranslationField, translation))
	return doc
}

// ParseEntry reads domain, source and target tokens back from a stored
// content document.
func ParseEntry(doc Document) (Entry, error) {
	domain, ok := doc.GetLong(DomainField)
	if !ok {
		return Entry{}, fmt.Errorf("document has no %s field", DomainField)
	}
	sentence, ok := doc.Get(SentenceField)
	if !ok {
		return Entry{}, fmt.Errorf("document has no %s field", SentenceField)
	}
	translation, ok := doc.Get(TranslationField)
	if !ok {
		return Entry{}, fmt.Errorf("document has no %s field", TranslationField)
	}
	return Entry{
		Domain: domain,
		Source: strings.Fields(sentence),
		Target: strings.Fields(translation),
	}, nil
}

// BuildChannelsDocument encodes the channel offsets as 10-byte big-endian
// records (uint16 channel, int64 offset) ordered by channel.
func BuildChannelsDocument(channels map[uint16]int64) Document {
	keys := make([]uint16, 0, len(channels))
	for ch := range channels {
		keys = append(keys, ch)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	blob := make([]byte, channelRecordLen*len(keys))
	for i, ch := range keys {
		rec := blob[i*channelRecordLen:]
		binary.BigEndian.PutUint16(rec[0:2], ch)
		binary.BigEndian.PutUint64(rec[2:10], uint64(channels[ch]))
	}

	var doc Document
	doc.Add(NewLong(DomainField, ChannelsDomain, true))
	doc.Add(NewBinary(ChannelsField, blob))
	return doc
}

// ParseChannelsDocument decodes a document built by BuildChannelsDocument.
func ParseChannelsDocument(doc Document) (map[uint16]int64, error) {
	blob, ok := doc.GetBinary(ChannelsField)
	if !ok {
		return nil, fmt.Errorf("document has no %s field", ChannelsField)
	}
	if len(blob)%channelRecordLen != 0 {
		return nil, fmt.Errorf("channels blob of %d bytes is not a multiple of %d", len(blob), channelRecordLen)
	}
	channels := make(map[uint16]int64, len(blob)/channelRecordLen)
	for off := 0; off < len(blob); off += channelRecordLen {
		ch := binary.BigEndian.Uint16(blob[off : off+2])
		channels[ch] = int64(binary.BigEndian.Uint64(blob[off+2 : off+10]))
	}
	return channels, nil
}

// IsChannelsDocument reports whether doc carries a channel-offset table.
func IsChannelsDocument(doc Document) bool {
	_, ok := doc.GetBinary(ChannelsField)
	return ok
}

// DomainTerm matches every content document of a domain.
func DomainTerm(domain int64) Term {
	return Term{Field: DomainField, Value: NewLong(DomainField, domain, false).Value()}
}

// DirectionTerm matches documents of exactly this direction.
func DirectionTerm(direction lang.Direction) Term {
	return Term{Field: LanguageField, Value: SerializeDirection(direction)}
}

// MatchQuery selects documents of the direction sharing at least one term
// with text.
func MatchQuery(direction lang.Direction, text string) Query {
	q := Query{Must: []Term{DirectionTerm(direction)}, MinShould: 1}
	for _, tok := range tokenizer.Tokenize(text) {
		q.Should = append(q.Should, Term{Field: SentenceField, Value: tok.Term})
	}
	return q
}
