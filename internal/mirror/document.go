package mirror

import (
	"strconv"
)

// FieldType decides how a field is indexed.
type FieldType uint8

const (
	// LongField is a numeric field indexed as an exact term.
	LongField FieldType = iota + 1
	// KeywordField is indexed verbatim for exact matching, never tokenized.
	KeywordField
	// TextField is tokenized and indexed term by term.
	TextField
	// StoredField is a string kept with the document but not indexed.
	StoredField
	// BinaryField is an opaque blob kept with the document but not indexed.
	BinaryField
)

// Field is one named value of a Document. Only stored fields come back when
// a document is read from the Store.
type Field struct {
	Name   string    `msgpack:"n"`
	Type   FieldType `msgpack:"k"`
	Stored bool      `msgpack:"s"`
	Str    string    `msgpack:"v,omitempty"`
	Long   int64     `msgpack:"l,omitempty"`
	Bytes  []byte    `msgpack:"b,omitempty"`
}

func (f Field) Indexed() bool {
	return f.Type == LongField || f.Type == KeywordField || f.Type == TextField
}

// Value returns the field as a string; numeric fields use base 10.
func (f Field) Value() string {
	if f.Type == LongField {
		return strconv.FormatInt(f.Long, 10)
	}
	return f.Str
}

func NewLong(name string, v int64, stored bool) Field {
	return Field{Name: name, Type: LongField, Long: v, Stored: stored}
}

func NewKeyword(name string, v string, stored bool) Field {
	return Field{Name: name, Type: KeywordField, Str: v, Stored: stored}
}

func NewText(name string, v string, stored bool) Field {
	return Field{Name: name, Type: TextField, Str: v, Stored: stored}
}

func NewStored(name string, v string) Field {
	return Field{Name: name, Type: StoredField, Str: v, Stored: true}
}

func NewBinary(name string, v []byte) Field {
	return Field{Name: name, Type: BinaryField, Bytes: v, Stored: true}
}

// Document is an ordered list of fields.
type Document struct {
	Fields []Field `msgpack:"f"`
}

func (d *Document) Add(f Field) {
	d.Fields = append(d.Fields, f)
}

// Field returns the first field with the given name.
func (d Document) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (d Document) Get(name string) (string, bool) {
	f, ok := d.Field(name)
	if !ok || f.Type == BinaryField {
		return "", false
	}
	return f.Value(), true
}

func (d Document) GetLong(name string) (int64, bool) {
	f, ok := d.Field(name)
	if !ok || f.Type != LongField {
		return 0, false
	}
	return f.Long, true
}

func (d Document) GetBinary(name string) ([]byte, bool) {
	f, ok := d.Field(name)
	if !ok || f.Type != BinaryField {
		return nil, false
	}
	return f.Bytes, true
}

// stored returns the projection of d that survives storage.
func (d Document) stored() Document {
	out := Document{Fields: make([]Field, 0, len(d.Fields))}
	for _, f := range d.Fields {
		if f.Stored {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}
