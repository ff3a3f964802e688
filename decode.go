package busrpc

import (
	"fmt"
	"os"

	"github.com/danderson/busrpc/wire"
	"github.com/hashicorp/go-metrics"
)

// DefaultMaxDepth is the default container nesting limit for
// decoding, which is the deepest nesting that DBus permits.
const DefaultMaxDepth = 64

// A Decoder converts message bodies into Values.
//
// Decoding is lossy: values whose wire type has no Value
// representation, such as variants, are skipped and omitted from the
// result. A dict entry whose key or value is skipped is omitted
// entirely.
type Decoder struct {
	// MaxDepth is the maximum container nesting depth. If zero,
	// DefaultMaxDepth is used.
	MaxDepth int
	// Metrics receives decoder metrics. If nil, the global
	// go-metrics sink is used.
	Metrics metrics.MetricSink
}

// Decode decodes all remaining values of r's current container, using
// a default Decoder.
func Decode(r *wire.Reader) ([]Value, error) {
	var d Decoder
	return d.Decode(r)
}

// Decode decodes all remaining values of r's current container.
//
// Decoded UnixHandles carry duplicates of the message's file
// descriptors, which remain valid after the message is closed. On
// error, any handles decoded so far are closed.
func (d *Decoder) Decode(r *wire.Reader) ([]Value, error) {
	ret, err := d.decodeAll(r, 0)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (d *Decoder) maxDepth() int {
	if d.MaxDepth > 0 {
		return d.MaxDepth
	}
	return DefaultMaxDepth
}

func (d *Decoder) skipped(typ byte) {
	labels := []metrics.Label{LabelType.M(string(typ))}
	if d.Metrics != nil {
		d.Metrics.IncrCounterWithLabels(MetricDecodeSkippedCount, 1, labels)
	} else {
		metrics.IncrCounterWithLabels(MetricDecodeSkippedCount, 1, labels)
	}
}

// decodeAll decodes values until the end of the current container. On
// error, it closes what it has decoded so far.
func (d *Decoder) decodeAll(r *wire.Reader, depth int) (ret []Value, err error) {
	defer func() {
		if err != nil {
			CloseValues(ret...)
			ret = nil
		}
	}()
	for {
		typ, inner, err := r.Peek()
		if err != nil {
			return ret, err
		}
		if typ == 0 {
			return ret, nil
		}
		v, err := d.decodeOne(r, typ, inner, depth)
		if err != nil {
			return ret, err
		}
		if v != nil {
			ret = append(ret, v)
		}
	}
}

// decodeOne decodes the next value, of type typ. It returns a nil
// Value if the value was skipped.
func (d *Decoder) decodeOne(r *wire.Reader, typ byte, inner string, depth int) (Value, error) {
	switch typ {
	case wire.TypeArray:
		if depth >= d.maxDepth() {
			return nil, fmt.Errorf("container nesting exceeds maximum depth %d", d.maxDepth())
		}
		if err := r.EnterContainer(wire.TypeArray, inner); err != nil {
			return nil, err
		}
		var (
			ret Value
			err error
		)
		if inner[0] == wire.TypeDictEntry {
			ret, err = d.decodeDict(r, inner, depth+1)
		} else {
			var vs []Value
			if vs, err = d.decodeAll(r, depth+1); err == nil {
				ret = Array{Elem: Signature(inner), Values: vs}
			}
		}
		if err != nil {
			return nil, err
		}
		if err := r.ExitContainer(); err != nil {
			CloseValues(ret)
			return nil, err
		}
		return ret, nil
	case wire.TypeStruct, wire.TypeStructCode:
		if depth >= d.maxDepth() {
			return nil, fmt.Errorf("container nesting exceeds maximum depth %d", d.maxDepth())
		}
		if err := r.EnterContainer(wire.TypeStruct, inner); err != nil {
			return nil, err
		}
		fields, err := d.decodeAll(r, depth+1)
		if err != nil {
			return nil, err
		}
		if err := r.ExitContainer(); err != nil {
			CloseValues(fields...)
			return nil, err
		}
		if len(fields) == 0 {
			// Every field was skipped.
			return nil, nil
		}
		return Structure(fields), nil
	case wire.TypeUnixFD:
		raw, err := r.ReadBasic(typ)
		if err != nil {
			return nil, err
		}
		f, err := wire.DupFile(raw.(*os.File))
		if err != nil {
			return nil, err
		}
		return UnixHandle{File: f}, nil
	}

	if !wire.IsBasic(typ) {
		logger.Debugf("skipping value of unsupported type %q", typ)
		d.skipped(typ)
		return nil, r.Skip()
	}

	raw, err := r.ReadBasic(typ)
	if err != nil {
		return nil, err
	}
	switch typ {
	case wire.TypeByte:
		return Byte(raw.(uint8)), nil
	case wire.TypeBool:
		return Bool(raw.(bool)), nil
	case wire.TypeInt16:
		return Int16(raw.(int16)), nil
	case wire.TypeUint16:
		return Uint16(raw.(uint16)), nil
	case wire.TypeInt32:
		return Int32(raw.(int32)), nil
	case wire.TypeUint32:
		return Uint32(raw.(uint32)), nil
	case wire.TypeInt64:
		return Int64(raw.(int64)), nil
	case wire.TypeUint64:
		return Uint64(raw.(uint64)), nil
	case wire.TypeDouble:
		return Double(raw.(float64)), nil
	case wire.TypeString:
		return String(raw.(string)), nil
	case wire.TypeObjectPath:
		return ObjectPath(raw.(string)), nil
	case wire.TypeSignature:
		return Signature(raw.(string)), nil
	default:
		return nil, fmt.Errorf("unhandled basic type %q", typ)
	}
}

// decodeDict decodes the elements of an array of dict entries. r must
// be positioned inside the array.
func (d *Decoder) decodeDict(r *wire.Reader, inner string, depth int) (Value, error) {
	kv := inner[1 : len(inner)-1]
	ret := Dictionary{
		Key:  Signature(kv[:1]),
		Elem: Signature(kv[1:]),
	}
	for {
		typ, _, err := r.Peek()
		if err != nil {
			CloseValues(ret)
			return nil, err
		}
		if typ == 0 {
			return ret, nil
		}
		if err := r.EnterContainer(wire.TypeDictEntry, kv); err != nil {
			CloseValues(ret)
			return nil, err
		}
		kvs, err := d.decodeAll(r, depth+1)
		if err == nil {
			err = r.ExitContainer()
		}
		if err != nil {
			CloseValues(kvs...)
			CloseValues(ret)
			return nil, err
		}
		if len(kvs) != 2 {
			// The key or value had an unsupported type.
			CloseValues(kvs...)
			continue
		}
		ret.Entries = append(ret.Entries, DictEntry{kvs[0], kvs[1]})
	}
}
