package wire

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/danderson/busrpc/fragments"
)

// A Reader reads values out of a message body.
//
// The Reader tracks the current position in the body's type
// signature, descending into and out of containers on request. At
// each position, [Reader.Peek] reports the type of the next value,
// which the caller then consumes with [Reader.ReadBasic],
// [Reader.EnterContainer] or [Reader.Skip].
type Reader struct {
	m     *Message
	dec   fragments.Decoder
	stack []readFrame
}

type readFrame struct {
	// kind is the container type code, or 0 for the message body.
	kind byte
	// sig is the remaining signature to read, for the message body
	// and for structs and dict entries.
	sig string
	// elem is the element type of an array.
	elem string
	// end is the offset at which an array's elements end.
	end int
}

func newReader(m *Message) *Reader {
	return &Reader{
		m: m,
		dec: fragments.Decoder{
			Order: m.Order,
			In:    m.Body,
		},
		stack: []readFrame{{sig: m.Signature}},
	}
}

func (r *Reader) top() *readFrame {
	return &r.stack[len(r.stack)-1]
}

// Depth returns the number of containers the Reader is currently
// inside.
func (r *Reader) Depth() int {
	return len(r.stack) - 1
}

// next returns the complete type of the next value in the current
// container, or "" if the container has no more values.
func (r *Reader) next() (string, error) {
	f := r.top()
	if f.kind == TypeArray {
		if r.dec.Offset() >= f.end {
			return "", nil
		}
		return f.elem, nil
	}
	if f.sig == "" {
		return "", nil
	}
	t, _, err := NextType(f.sig)
	if err != nil {
		return "", err
	}
	return t, nil
}

// advance records that a value of complete type t was consumed from
// the current container.
func (r *Reader) advance(t string) {
	f := r.top()
	if f.kind != TypeArray {
		f.sig = f.sig[len(t):]
	}
}

// Peek returns the type code of the next value, and for containers
// the signature of the container's contents. At the end of the
// current container or of the message body, Peek returns a zero type
// code.
func (r *Reader) Peek() (typ byte, inner string, err error) {
	t, err := r.next()
	if err != nil || t == "" {
		return 0, "", err
	}
	return t[0], contents(t), nil
}

// ReadBasic reads a value of basic type typ. The returned value has
// Go type uint8, bool, int16, uint16, int32, uint32, int64, uint64,
// float64, string or *os.File, according to typ.
//
// Files returned for TypeUnixFD remain owned by the message.
func (r *Reader) ReadBasic(typ byte) (any, error) {
	t, err := r.next()
	if err != nil {
		return nil, err
	}
	if t == "" {
		return nil, errors.New("no more values in container")
	}
	if t[0] != typ || !IsBasic(typ) {
		return nil, fmt.Errorf("cannot read %q as %q", t, typ)
	}
	ret, err := r.readBasic(typ)
	if err != nil {
		return nil, err
	}
	r.advance(t)
	return ret, nil
}

func (r *Reader) readBasic(typ byte) (any, error) {
	d := &r.dec
	switch typ {
	case TypeByte:
		return d.Uint8()
	case TypeBool:
		u, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		switch u {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return nil, fmt.Errorf("invalid boolean value %d", u)
		}
	case TypeInt16:
		u, err := d.Uint16()
		return int16(u), err
	case TypeUint16:
		return d.Uint16()
	case TypeInt32:
		u, err := d.Uint32()
		return int32(u), err
	case TypeUint32:
		return d.Uint32()
	case TypeInt64:
		u, err := d.Uint64()
		return int64(u), err
	case TypeUint64:
		return d.Uint64()
	case TypeDouble:
		u, err := d.Uint64()
		return math.Float64frombits(u), err
	case TypeString:
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("string %q is not valid UTF-8", s)
		}
		return s, nil
	case TypeObjectPath:
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		if err := ValidObjectPath(s); err != nil {
			return nil, err
		}
		return s, nil
	case TypeSignature:
		s, err := d.Signature()
		if err != nil {
			return nil, err
		}
		if err := ValidSignature(s); err != nil {
			return nil, err
		}
		return s, nil
	case TypeUnixFD:
		idx, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(r.m.Files) {
			return nil, fmt.Errorf("file descriptor index %d out of range, message has %d files", idx, len(r.m.Files))
		}
		f := r.m.Files[idx]
		if f == nil {
			return nil, fmt.Errorf("file descriptor %d already released", idx)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown basic type %q", typ)
	}
}

// EnterContainer descends into the next value, which must be a
// container of type typ. If want is non-empty, it must match the
// container's contents signature.
//
// typ is one of TypeArray, TypeStruct (or TypeStructCode) and
// TypeDictEntry.
func (r *Reader) EnterContainer(typ byte, want string) error {
	t, err := r.next()
	if err != nil {
		return err
	}
	if t == "" {
		return errors.New("no more values in container")
	}
	if typ == TypeStructCode {
		typ = TypeStruct
	}
	if t[0] != typ {
		return fmt.Errorf("cannot enter %q as container %q", t, typ)
	}
	inner := contents(t)
	if want != "" && want != inner {
		return fmt.Errorf("container has contents %q, not %q", inner, want)
	}

	switch typ {
	case TypeArray:
		end, err := r.dec.Array(Alignment(inner[0]) == 8)
		if err != nil {
			return err
		}
		r.advance(t)
		r.stack = append(r.stack, readFrame{kind: TypeArray, elem: inner, end: end})
	case TypeStruct, TypeDictEntry:
		if err := r.dec.Struct(); err != nil {
			return err
		}
		r.advance(t)
		r.stack = append(r.stack, readFrame{kind: typ, sig: inner})
	default:
		return fmt.Errorf("%q is not a container type", typ)
	}
	return nil
}

// ExitContainer leaves the current container, which must have been
// fully consumed.
func (r *Reader) ExitContainer() error {
	if len(r.stack) == 1 {
		return errors.New("not inside a container")
	}
	f := r.top()
	switch f.kind {
	case TypeArray:
		if off := r.dec.Offset(); off != f.end {
			return fmt.Errorf("array not fully consumed, at offset %d of %d", off, f.end)
		}
	default:
		if f.sig != "" {
			return fmt.Errorf("container not fully consumed, %q remaining", f.sig)
		}
	}
	r.stack = r.stack[:len(r.stack)-1]
	return nil
}

// Skip consumes the next value without interpreting it. Skip works
// for values of any type, including variants.
func (r *Reader) Skip() error {
	t, err := r.next()
	if err != nil {
		return err
	}
	if t == "" {
		return errors.New("no more values in container")
	}
	if err := skipValue(&r.dec, t, r.Depth()); err != nil {
		return err
	}
	r.advance(t)
	return nil
}

// skipValue consumes one value of complete type t from d.
func skipValue(d *fragments.Decoder, t string, depth int) error {
	if depth > maxNesting {
		return fmt.Errorf("value nesting exceeds maximum depth %d", maxNesting)
	}
	var err error
	switch t[0] {
	case TypeByte:
		_, err = d.Uint8()
	case TypeInt16, TypeUint16:
		_, err = d.Uint16()
	case TypeBool, TypeInt32, TypeUint32, TypeUnixFD:
		_, err = d.Uint32()
	case TypeInt64, TypeUint64, TypeDouble:
		_, err = d.Uint64()
	case TypeString, TypeObjectPath:
		_, err = d.String()
	case TypeSignature:
		_, err = d.Signature()
	case TypeArray:
		var end int
		if end, err = d.Array(Alignment(t[1]) == 8); err != nil {
			return err
		}
		_, err = d.Read(end - d.Offset())
	case TypeStruct, TypeDictEntry:
		if err := d.Struct(); err != nil {
			return err
		}
		for rest := contents(t); rest != "" && err == nil; {
			var field string
			if field, rest, err = nextType(rest, false, 0); err != nil {
				return err
			}
			err = skipValue(d, field, depth+1)
		}
	case TypeVariant:
		var sig string
		if sig, err = d.Signature(); err != nil {
			return err
		}
		if err := ValidSingleType(sig); err != nil {
			return fmt.Errorf("invalid variant signature: %w", err)
		}
		err = skipValue(d, sig, depth+1)
	default:
		err = fmt.Errorf("unknown type specifier %q", t[0])
	}
	return err
}
