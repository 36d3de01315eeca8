package awareness

import (
	"fmt"

	"github.com/Team1-2308-Capstone/Umbra/rdx"
	"github.com/vmihailenco/msgpack/v5"
)

// FieldKind enumerates presence fields. The set is closed: a message
// carrying any other kind is rejected before merge.
type FieldKind byte

const (
	FieldName     FieldKind = 'N'
	FieldColor    FieldKind = 'C'
	FieldCursor   FieldKind = 'K'
	FieldLanguage FieldKind = 'L'
)

func (k FieldKind) String() string {
	switch k {
	case FieldName:
		return "name"
	case FieldColor:
		return "color"
	case FieldCursor:
		return "cursor"
	case FieldLanguage:
		return "language"
	}
	return fmt.Sprintf("field(%c)", byte(k))
}

// Value is one of Name, Color, Cursor, Language.
type Value interface {
	Kind() FieldKind
}

type Name string

func (Name) Kind() FieldKind { return FieldName }

type Color struct {
	Color string `msgpack:"color"`
	Light string `msgpack:"light"`
}

func (Color) Kind() FieldKind { return FieldColor }

// Cursor is a selection anchored to document items rather than indexes,
// so it keeps its place while others type. ID0 means the document end.
type Cursor struct {
	Anchor rdx.ID
	Head   rdx.ID
}

func (Cursor) Kind() FieldKind { return FieldCursor }

type cursorWire struct {
	Anchor [2]uint64 `msgpack:"anchor"`
	Head   [2]uint64 `msgpack:"head"`
}

type Language string

const (
	LanguageJS Language = "js"
	LanguageTS Language = "ts"
	LanguagePY Language = "py"
	LanguageGO Language = "go"
	LanguageRB Language = "rb"
)

var Languages = []Language{LanguageJS, LanguageTS, LanguagePY, LanguageGO, LanguageRB}

func (Language) Kind() FieldKind { return FieldLanguage }

func (l Language) Valid() bool {
	switch l {
	case LanguageJS, LanguageTS, LanguagePY, LanguageGO, LanguageRB:
		return true
	}
	return false
}

func encodeValue(v Value) ([]byte, error) {
	switch v := v.(type) {
	case Name:
		return msgpack.Marshal(string(v))
	case Color:
		return msgpack.Marshal(v)
	case Cursor:
		return msgpack.Marshal(cursorWire{
			Anchor: [2]uint64{v.Anchor.Src(), v.Anchor.Seq()},
			Head:   [2]uint64{v.Head.Src(), v.Head.Seq()},
		})
	case Language:
		if !v.Valid() {
			return nil, fmt.Errorf("%w: language %q", ErrBadField, string(v))
		}
		return msgpack.Marshal(string(v))
	}
	return nil, fmt.Errorf("%w: %T", ErrBadField, v)
}

func decodeValue(kind FieldKind, data []byte) (Value, error) {
	switch kind {
	case FieldName:
		var s string
		err := msgpack.Unmarshal(data, &s)
		return Name(s), err
	case FieldColor:
		var c Color
		err := msgpack.Unmarshal(data, &c)
		return c, err
	case FieldCursor:
		var w cursorWire
		if err := msgpack.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		if w.Anchor[0] > rdx.MaxSrc || w.Head[0] > rdx.MaxSrc {
			return nil, fmt.Errorf("%w: cursor source", ErrBadField)
		}
		return Cursor{
			Anchor: rdx.NewID(w.Anchor[0], w.Anchor[1]),
			Head:   rdx.NewID(w.Head[0], w.Head[1]),
		}, nil
	case FieldLanguage:
		var s string
		if err := msgpack.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		if l := Language(s); l.Valid() {
			return l, nil
		}
		return nil, fmt.Errorf("%w: language %q", ErrBadField, s)
	}
	return nil, fmt.Errorf("%w: kind %s", ErrBadField, kind)
}
