package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/lang"
)

var enIt = lang.Direction{Source: "en", Target: "it"}

func TestBuildAndParseEntry(t *testing.T) {
	doc := BuildDocument(enIt, 42, "the red house", "la casa rossa")

	entry, err := ParseEntry(doc.stored())
	require.NoError(t, err)
	assert.EqualValues(t, 42, entry.Domain)
	assert.Equal(t, []string{"the", "red", "house"}, entry.Source)
	assert.Equal(t, []string{"la", "casa", "rossa"}, entry.Target)
}

func TestStoredProjectionDropsLanguage(t *testing.T) {
	doc := BuildDocument(enIt, 1, "a", "b").stored()

	_, ok := doc.Get(LanguageField)
	assert.False(t, ok)
	for _, name := range []string{DomainField, SentenceField, TranslationField} {
		_, ok := doc.Field(name)
		assert.True(t, ok, name)
	}
}

func TestParseEntryMissingField(t *testing.T) {
	var doc Document
	doc.Add(NewLong(DomainField, 1, true))
	doc.Add(NewText(SentenceField, "hello", true))

	_, err := ParseEntry(doc)
	assert.Error(t, err)

	_, err = ParseEntry(Document{})
	assert.Error(t, err)
}

func TestChannelsDocumentRoundTrip(t *testing.T) {
	channels := map[uint16]int64{1: 10, 7: 70, 65535: 1 << 40}

	doc := BuildChannelsDocument(channels)
	assert.True(t, IsChannelsDocument(doc))
	domain, ok := doc.GetLong(DomainField)
	require.True(t, ok)
	assert.Equal(t, ChannelsDomain, domain)

	got, err := ParseChannelsDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, channels, got)
}

func TestChannelsDocumentLayout(t *testing.T) {
	doc := BuildChannelsDocument(map[uint16]int64{2: 5, 1: 258})

	blob, ok := doc.GetBinary(ChannelsField)
	require.True(t, ok)
	assert.Equal(t, []byte{
		0, 1, 0, 0, 0, 0, 0, 0, 1, 2,
		0, 2, 0, 0, 0, 0, 0, 0, 0, 5,
	}, blob)
}

func TestChannelsDocumentEmpty(t *testing.T) {
	doc := BuildChannelsDocument(nil)
	got, err := ParseChannelsDocument(doc)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseChannelsDocumentBadLength(t *testing.T) {
	var doc Document
	doc.Add(NewBinary(ChannelsField, make([]byte, 11)))
	_, err := ParseChannelsDocument(doc)
	assert.Error(t, err)

	_, err = ParseChannelsDocument(BuildDocument(enIt, 1, "a", "b"))
	assert.Error(t, err)
}

func TestMatchQuery(t *testing.T) {
	q := MatchQuery(enIt, "Hello, World")
	assert.Equal(t, []Term{{Field: LanguageField, Value: "en → it"}}, q.Must)
	assert.Equal(t, []Term{
		{Field: SentenceField, Value: "hello"},
		{Field: SentenceField, Value: "world"},
	}, q.Should)
	assert.Equal(t, 1, q.MinShould)
}
