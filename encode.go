package busrpc

import (
	"context"
	"fmt"

	"github.com/danderson/busrpc/wire"
)

// Encode appends vs to the message being built by b.
//
// Handles backed by a FileSource are resolved using ctx. Encode
// stops at the first value that cannot be encoded, and returns an
// [EncodeError].
func Encode(ctx context.Context, b *wire.Builder, vs ...Value) error {
	for _, v := range vs {
		if err := encodeValue(ctx, b, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(ctx context.Context, b *wire.Builder, v Value) error {
	wrap := func(err error) error {
		if err == nil {
			return nil
		}
		if _, ok := err.(EncodeError); ok {
			return err
		}
		return EncodeError{Type: typeName(v), Reason: err}
	}

	switch v := v.(type) {
	case nil:
		return encodeErr("nil", "nil Value")
	case Byte:
		return wrap(b.AppendBasic(wire.TypeByte, uint8(v)))
	case Bool:
		return wrap(b.AppendBasic(wire.TypeBool, bool(v)))
	case Int16:
		return wrap(b.AppendBasic(wire.TypeInt16, int16(v)))
	case Uint16:
		return wrap(b.AppendBasic(wire.TypeUint16, uint16(v)))
	case Int32:
		return wrap(b.AppendBasic(wire.TypeInt32, int32(v)))
	case Uint32:
		return wrap(b.AppendBasic(wire.TypeUint32, uint32(v)))
	case Int64:
		return wrap(b.AppendBasic(wire.TypeInt64, int64(v)))
	case Uint64:
		return wrap(b.AppendBasic(wire.TypeUint64, uint64(v)))
	case Double:
		return wrap(b.AppendBasic(wire.TypeDouble, float64(v)))
	case String:
		return wrap(b.AppendBasic(wire.TypeString, string(v)))
	case ObjectPath:
		return wrap(b.AppendBasic(wire.TypeObjectPath, string(v)))
	case Signature:
		return wrap(b.AppendBasic(wire.TypeSignature, string(v)))
	case UnixHandle:
		f, err := v.resolve(ctx)
		if err != nil {
			return wrap(err)
		}
		return wrap(b.AppendBasic(wire.TypeUnixFD, f))
	case Array:
		elem, err := v.elem()
		if err != nil {
			return wrap(err)
		}
		if err := encodable(elem); err != nil {
			return encodeErr("a"+string(elem), "element type: %w", err)
		}
		if err := b.OpenContainer(wire.TypeArray, string(elem)); err != nil {
			return wrap(err)
		}
		for i, e := range v.Values {
			if err := checkSig(e, elem); err != nil {
				return encodeErr("a"+string(elem), "element %d: %w", i, err)
			}
			if err := encodeValue(ctx, b, e); err != nil {
				return err
			}
		}
		return wrap(b.CloseContainer())
	case Structure:
		sig, err := v.signature()
		if err != nil {
			return wrap(err)
		}
		if err := b.OpenContainer(wire.TypeStruct, string(sig[1:len(sig)-1])); err != nil {
			return wrap(err)
		}
		for _, f := range v {
			if err := encodeValue(ctx, b, f); err != nil {
				return err
			}
		}
		return wrap(b.CloseContainer())
	case Dictionary:
		key, elem, err := v.kv()
		if err != nil {
			return wrap(err)
		}
		if len(key) != 1 || !wire.IsBasic(key[0]) {
			return encodeErr("Dictionary", "key type %q is not a basic type", key)
		}
		if err := encodable(elem); err != nil {
			return encodeErr("a{"+string(key+elem)+"}", "value type: %w", err)
		}
		kv := string(key + elem)
		if err := b.OpenContainer(wire.TypeArray, "{"+kv+"}"); err != nil {
			return wrap(err)
		}
		for i, e := range v.Entries {
			if err := checkSig(e.Key, key); err != nil {
				return encodeErr("a{"+kv+"}", "entry %d key: %w", i, err)
			}
			if err := checkSig(e.Value, elem); err != nil {
				return encodeErr("a{"+kv+"}", "entry %d value: %w", i, err)
			}
			if err := b.OpenContainer(wire.TypeDictEntry, kv); err != nil {
				return wrap(err)
			}
			if err := encodeValue(ctx, b, e.Key); err != nil {
				return err
			}
			if err := encodeValue(ctx, b, e.Value); err != nil {
				return err
			}
			if err := b.CloseContainer(); err != nil {
				return wrap(err)
			}
		}
		return wrap(b.CloseContainer())
	default:
		return encodeErr(fmt.Sprintf("%T", v), "unknown Value implementation")
	}
}

// checkSig verifies that v has signature want.
func checkSig(v Value, want Signature) error {
	if v == nil {
		return fmt.Errorf("nil Value, want %q", want)
	}
	got, err := v.signature()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("type %q does not match container type %q", got, want)
	}
	return nil
}
