package wire

import (
	"errors"
	"fmt"
	"math"
	"os"
	"unicode/utf8"

	"github.com/danderson/busrpc/fragments"
)

// A Builder appends values to a message body.
//
// Each value appended at the top level extends the message's
// signature. Values appended inside a container must match the type
// declared when the container was opened. After a Builder method
// returns an error, the message body is in an undefined state and the
// message should be discarded.
type Builder struct {
	m     *Message
	enc   fragments.Encoder
	stack []buildFrame
}

type buildFrame struct {
	kind byte
	// sig is the remaining signature to write, for structs and dict
	// entries.
	sig string
	// elem is the element type of an array.
	elem string
	mark fragments.ArrayMark
}

func newBuilder(m *Message) *Builder {
	if m.Order == nil {
		m.Order = fragments.NativeEndian
	}
	return &Builder{
		m: m,
		enc: fragments.Encoder{
			Order: m.Order,
			Out:   m.Body,
		},
	}
}

// expect checks that a value of complete type t may be written at the
// current position, and records that it is about to be.
func (b *Builder) expect(t string) error {
	if len(b.stack) == 0 {
		if len(b.m.Signature)+len(t) > math.MaxUint8 {
			return fmt.Errorf("message signature would exceed %d bytes", math.MaxUint8)
		}
		b.m.Signature += t
		return nil
	}
	f := &b.stack[len(b.stack)-1]
	if f.kind == TypeArray {
		if t != f.elem {
			return fmt.Errorf("cannot add %q to array of %q", t, f.elem)
		}
		return nil
	}
	if f.sig == "" {
		return fmt.Errorf("cannot add %q, container is already complete", t)
	}
	want, rest, err := nextType(f.sig, false, 0)
	if err != nil {
		return err
	}
	if t != want {
		return fmt.Errorf("cannot add %q, container wants %q", t, want)
	}
	f.sig = rest
	return nil
}

func (b *Builder) sync() {
	b.m.Body = b.enc.Out
}

// AppendBasic appends a value of basic type typ. v must have the Go
// type that [Reader.ReadBasic] returns for typ.
//
// Files appended for TypeUnixFD are duplicated into the message, the
// caller retains ownership of v.
func (b *Builder) AppendBasic(typ byte, v any) error {
	if !IsBasic(typ) {
		return fmt.Errorf("%q is not a basic type", typ)
	}
	if err := b.checkBasic(typ, v); err != nil {
		return err
	}
	if err := b.expect(string(typ)); err != nil {
		return err
	}
	defer b.sync()

	e := &b.enc
	switch typ {
	case TypeByte:
		e.Uint8(v.(uint8))
	case TypeBool:
		if v.(bool) {
			e.Uint32(1)
		} else {
			e.Uint32(0)
		}
	case TypeInt16:
		e.Uint16(uint16(v.(int16)))
	case TypeUint16:
		e.Uint16(v.(uint16))
	case TypeInt32:
		e.Uint32(uint32(v.(int32)))
	case TypeUint32:
		e.Uint32(v.(uint32))
	case TypeInt64:
		e.Uint64(uint64(v.(int64)))
	case TypeUint64:
		e.Uint64(v.(uint64))
	case TypeDouble:
		e.Uint64(math.Float64bits(v.(float64)))
	case TypeString, TypeObjectPath:
		e.String(v.(string))
	case TypeSignature:
		return e.Signature(v.(string))
	case TypeUnixFD:
		f, err := DupFile(v.(*os.File))
		if err != nil {
			return err
		}
		b.m.Files = append(b.m.Files, f)
		e.Uint32(uint32(len(b.m.Files) - 1))
	}
	return nil
}

// checkBasic verifies that v is a valid value of basic type typ.
func (b *Builder) checkBasic(typ byte, v any) error {
	ok := false
	switch typ {
	case TypeByte:
		_, ok = v.(uint8)
	case TypeBool:
		_, ok = v.(bool)
	case TypeInt16:
		_, ok = v.(int16)
	case TypeUint16:
		_, ok = v.(uint16)
	case TypeInt32:
		_, ok = v.(int32)
	case TypeUint32:
		_, ok = v.(uint32)
	case TypeInt64:
		_, ok = v.(int64)
	case TypeUint64:
		_, ok = v.(uint64)
	case TypeDouble:
		_, ok = v.(float64)
	case TypeString, TypeObjectPath, TypeSignature:
		var s string
		if s, ok = v.(string); !ok {
			break
		}
		switch typ {
		case TypeString:
			if !utf8.ValidString(s) {
				return fmt.Errorf("string %q is not valid UTF-8", s)
			}
		case TypeObjectPath:
			return ValidObjectPath(s)
		case TypeSignature:
			return ValidSignature(s)
		}
	case TypeUnixFD:
		var f *os.File
		if f, ok = v.(*os.File); ok && f == nil {
			return errors.New("cannot append nil file")
		}
	}
	if !ok {
		return fmt.Errorf("cannot append %T as type %q", v, typ)
	}
	return nil
}

// OpenContainer opens a container of type typ whose contents have
// signature inner. Subsequent values are added to the container until
// the matching [Builder.CloseContainer].
//
// typ is one of TypeArray, TypeStruct (or TypeStructCode) and
// TypeDictEntry. For arrays, inner is the element type. For structs
// and dict entries, it is the concatenation of the field types.
func (b *Builder) OpenContainer(typ byte, inner string) error {
	var t string
	switch typ {
	case TypeArray:
		t = "a" + inner
	case TypeStruct, TypeStructCode:
		typ = TypeStruct
		t = "(" + inner + ")"
	case TypeDictEntry:
		if len(b.stack) == 0 || b.stack[len(b.stack)-1].kind != TypeArray {
			return errors.New("dict entry must be inside an array")
		}
		t = "{" + inner + "}"
	default:
		return fmt.Errorf("%q is not a container type", typ)
	}
	if _, rest, err := nextType(t, typ == TypeDictEntry, len(b.stack)); err != nil {
		return fmt.Errorf("invalid container type %q: %w", t, err)
	} else if rest != "" {
		return fmt.Errorf("invalid container type %q", t)
	}
	if err := b.expect(t); err != nil {
		return err
	}

	f := buildFrame{kind: typ}
	if typ == TypeArray {
		f.elem = inner
		f.mark = b.enc.BeginArray(Alignment(inner[0]) == 8)
	} else {
		f.sig = inner
		b.enc.Pad(8)
	}
	b.stack = append(b.stack, f)
	b.m.open++
	b.sync()
	return nil
}

// CloseContainer closes the innermost open container.
func (b *Builder) CloseContainer() error {
	if len(b.stack) == 0 {
		return errors.New("no open container")
	}
	f := b.stack[len(b.stack)-1]
	if f.kind == TypeArray {
		if err := b.enc.EndArray(f.mark); err != nil {
			return err
		}
	} else if f.sig != "" {
		return fmt.Errorf("container is incomplete, missing %q", f.sig)
	}
	b.stack = b.stack[:len(b.stack)-1]
	b.m.open--
	b.sync()
	return nil
}
