package busrpc

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"os"
	"reflect"
	"slices"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/busrpc/wire"
)

var (
	valueType      = reflect.TypeFor[Value]()
	fileType       = reflect.TypeFor[*os.File]()
	fileSourceType = reflect.TypeFor[FileSource]()

	// kindToSignature maps the Go kinds that narrow to a DBus basic
	// type to the Value type they produce. Signed 16-bit integers widen
	// to Int32 and unsigned 16/32-bit integers to Uint64, for
	// compatibility with existing peers.
	kindToSignature = map[reflect.Kind]Signature{
		reflect.Uint8:   "y",
		reflect.Bool:    "b",
		reflect.Int16:   "i",
		reflect.Int32:   "i",
		reflect.Uint16:  "t",
		reflect.Uint32:  "t",
		reflect.Int64:   "x",
		reflect.Uint64:  "t",
		reflect.Float32: "d",
		reflect.Float64: "d",
		reflect.String:  "s",
	}

	// mapKeyKinds is the set of reflect.Kinds that can be converted to
	// a Dictionary key.
	mapKeyKinds = mapset.New(
		reflect.Bool,
		reflect.Uint8,
		reflect.Int16,
		reflect.Uint16,
		reflect.Int32,
		reflect.Uint32,
		reflect.Int64,
		reflect.Uint64,
		reflect.Float32,
		reflect.Float64,
		reflect.String,
	)
)

// FromDynamic converts the Go value v into a Value.
//
// The Go type of v selects the Value variant, independently of the
// magnitude of v:
//
//   - uint8 becomes Byte, bool becomes Bool.
//   - int16 and int32 become Int32, int64 becomes Int64.
//   - uint16, uint32 and uint64 become Uint64.
//   - float32 and float64 become Double, string becomes String.
//   - *os.File and FileSource become UnixHandle. The handle borrows
//     the file, it does not take ownership.
//   - Slices and arrays become Array, with an element type derived
//     from the Go element type.
//   - Maps become Dictionary, with entries sorted by key.
//   - Structs become Structure, one field per exported struct field.
//   - Values that already implement Value are returned as-is.
//   - Pointers convert as the value they point to. A nil pointer
//     converts as the zero value of its element type.
//
// int8, int, uint, uintptr, complex, channel and function values, and
// structs with no exported fields, cannot be converted and yield an
// [EncodeError].
func FromDynamic(v any) (Value, error) {
	if v == nil {
		return nil, encodeErr("nil", "nil value")
	}
	return fromDynamic(reflect.ValueOf(v), 0)
}

// EncodeDynamic converts each of vs with [FromDynamic] and appends the
// results to b.
func EncodeDynamic(ctx context.Context, b *wire.Builder, vs ...any) error {
	conv := make([]Value, 0, len(vs))
	for _, v := range vs {
		cv, err := FromDynamic(v)
		if err != nil {
			return err
		}
		conv = append(conv, cv)
	}
	return Encode(ctx, b, conv...)
}

func fromDynamic(rv reflect.Value, depth int) (Value, error) {
	t := rv.Type()
	if depth > DefaultMaxDepth {
		return nil, encodeErr(t.String(), "nesting too deep, recursive type or cyclic value")
	}
	switch {
	case t.Kind() != reflect.Interface && t.Implements(valueType):
		return rv.Interface().(Value), nil
	case t == fileType:
		if rv.IsNil() {
			return nil, encodeErr(t.String(), "nil file")
		}
		return UnixHandle{File: rv.Interface().(*os.File)}, nil
	case t.Kind() != reflect.Interface && t.Implements(fileSourceType):
		return UnixHandle{Source: rv.Interface().(FileSource)}, nil
	}

	switch t.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil, encodeErr(t.String(), "nil interface value")
		}
		return fromDynamic(rv.Elem(), depth)
	case reflect.Pointer:
		if rv.IsNil() {
			return fromDynamic(reflect.Zero(t.Elem()), depth+1)
		}
		return fromDynamic(rv.Elem(), depth+1)
	case reflect.Uint8:
		return Byte(rv.Uint()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int16, reflect.Int32:
		return Int32(rv.Int()), nil
	case reflect.Int64:
		return Int64(rv.Int()), nil
	case reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Uint64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return Double(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Slice, reflect.Array:
		elem, _ := dynamicSignature(t.Elem(), 0)
		ret := Array{Elem: elem}
		for i := range rv.Len() {
			v, err := fromDynamic(rv.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			ret.Values = append(ret.Values, v)
		}
		return ret, nil
	case reflect.Map:
		if !mapKeyKinds.Has(t.Key().Kind()) {
			return nil, encodeErr(t.String(), "map key kind %s is not a basic type", t.Key().Kind())
		}
		key, _ := dynamicSignature(t.Key(), 0)
		elem, _ := dynamicSignature(t.Elem(), 0)
		ret := Dictionary{Key: key, Elem: elem}
		keys := rv.MapKeys()
		slices.SortFunc(keys, mapKeyCmp)
		for _, k := range keys {
			kv, err := fromDynamic(k, depth+1)
			if err != nil {
				return nil, err
			}
			vv, err := fromDynamic(rv.MapIndex(k), depth+1)
			if err != nil {
				return nil, err
			}
			ret.Entries = append(ret.Entries, DictEntry{kv, vv})
		}
		return ret, nil
	case reflect.Struct:
		var ret Structure
		for i := range t.NumField() {
			if !t.Field(i).IsExported() {
				continue
			}
			v, err := fromDynamic(rv.Field(i), depth+1)
			if err != nil {
				return nil, err
			}
			ret = append(ret, v)
		}
		if len(ret) == 0 {
			return nil, encodeErr(t.String(), "struct has no exported fields")
		}
		return ret, nil
	default:
		return nil, encodeErr(t.String(), "Go kind %s has no DBus representation", t.Kind())
	}
}

// dynamicSignature returns the signature of the Value that
// fromDynamic produces for values of type t, or "" if it depends on
// the value.
func dynamicSignature(t reflect.Type, depth int) (Signature, error) {
	if depth > DefaultMaxDepth {
		return "", encodeErr(t.String(), "recursive type")
	}
	switch {
	case t.Kind() != reflect.Interface && t.Implements(valueType):
		sig, err := reflect.Zero(t).Interface().(Value).signature()
		if err != nil {
			// Containers and structures describe their type in their
			// value, not their Go type.
			return "", nil
		}
		return sig, nil
	case t == fileType, t.Kind() != reflect.Interface && t.Implements(fileSourceType):
		return "h", nil
	}

	if sig, ok := kindToSignature[t.Kind()]; ok {
		return sig, nil
	}
	switch t.Kind() {
	case reflect.Pointer:
		return dynamicSignature(t.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		elem, err := dynamicSignature(t.Elem(), depth+1)
		if err != nil || elem == "" {
			return "", err
		}
		return "a" + elem, nil
	case reflect.Map:
		key, err := dynamicSignature(t.Key(), depth+1)
		if err != nil || key == "" {
			return "", err
		}
		elem, err := dynamicSignature(t.Elem(), depth+1)
		if err != nil || elem == "" {
			return "", err
		}
		return "a{" + key + elem + "}", nil
	case reflect.Struct:
		ret := Signature("(")
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			sig, err := dynamicSignature(f.Type, depth+1)
			if err != nil || sig == "" {
				return "", err
			}
			ret += sig
		}
		if ret == "(" {
			return "", nil
		}
		return ret + ")", nil
	default:
		return "", nil
	}
}

func mapKeyCmp(a, b reflect.Value) int {
	switch a.Kind() {
	case reflect.Bool:
		switch {
		case a.Bool() == b.Bool():
			return 0
		case !a.Bool():
			return -1
		default:
			return 1
		}
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(a.Int(), b.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return cmp.Compare(a.Uint(), b.Uint())
	case reflect.Float32, reflect.Float64:
		return cmp.Compare(a.Float(), b.Float())
	case reflect.String:
		return cmp.Compare(a.String(), b.String())
	default:
		panic(fmt.Sprintf("unhandled map key kind %s", a.Kind()))
	}
}

// Assign stores the Value v into the Go value pointed to by dst.
//
// Integer Values assign to any Go integer type that can represent
// them, and fail with an error otherwise. Double assigns to floats,
// String, ObjectPath and Signature to strings, Array to slices and
// arrays, Dictionary to maps, and Structure to structs, field by
// field in order of the exported fields. UnixHandle assigns to
// *os.File, transferring ownership of the file. A dst of interface
// type Value, or any type that v's concrete type is assignable to,
// receives v unchanged.
func Assign(dst any, v Value) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("cannot assign to non-pointer %T", dst)
	}
	return assign(rv.Elem(), v)
}

func assign(dst reflect.Value, v Value) error {
	if v == nil {
		return fmt.Errorf("cannot assign nil Value to %s", dst.Type())
	}
	t := dst.Type()
	if reflect.TypeOf(v).AssignableTo(t) {
		dst.Set(reflect.ValueOf(v))
		return nil
	}
	mismatch := func() error {
		sig, _ := v.signature()
		return fmt.Errorf("cannot assign %s (%q) to %s", typeName(v), sig, t)
	}

	if t == fileType {
		h, ok := v.(UnixHandle)
		if !ok || h.File == nil {
			return mismatch()
		}
		dst.Set(reflect.ValueOf(h.File))
		return nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		if dst.IsNil() {
			dst.Set(reflect.New(t.Elem()))
		}
		return assign(dst.Elem(), v)
	case reflect.Bool:
		b, ok := v.(Bool)
		if !ok {
			return mismatch()
		}
		dst.SetBool(bool(b))
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		i, u, signed, ok := integer(v)
		if !ok {
			return mismatch()
		}
		if !signed {
			if u > math.MaxInt64 {
				return fmt.Errorf("value %d overflows %s", u, t)
			}
			i = int64(u)
		}
		if dst.OverflowInt(i) {
			return fmt.Errorf("value %d overflows %s", i, t)
		}
		dst.SetInt(i)
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint, reflect.Uintptr:
		i, u, signed, ok := integer(v)
		if !ok {
			return mismatch()
		}
		if signed {
			if i < 0 {
				return fmt.Errorf("negative value %d cannot be stored in %s", i, t)
			}
			u = uint64(i)
		}
		if dst.OverflowUint(u) {
			return fmt.Errorf("value %d overflows %s", u, t)
		}
		dst.SetUint(u)
	case reflect.Float32, reflect.Float64:
		d, ok := v.(Double)
		if !ok {
			return mismatch()
		}
		if dst.OverflowFloat(float64(d)) {
			return fmt.Errorf("value %v overflows %s", d, t)
		}
		dst.SetFloat(float64(d))
	case reflect.String:
		switch s := v.(type) {
		case String:
			dst.SetString(string(s))
		case ObjectPath:
			dst.SetString(string(s))
		case Signature:
			dst.SetString(string(s))
		default:
			return mismatch()
		}
	case reflect.Slice:
		a, ok := v.(Array)
		if !ok {
			return mismatch()
		}
		ret := reflect.MakeSlice(t, len(a.Values), len(a.Values))
		for i, e := range a.Values {
			if err := assign(ret.Index(i), e); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		dst.Set(ret)
	case reflect.Array:
		a, ok := v.(Array)
		if !ok {
			return mismatch()
		}
		if len(a.Values) != t.Len() {
			return fmt.Errorf("cannot assign array of %d elements to %s", len(a.Values), t)
		}
		for i, e := range a.Values {
			if err := assign(dst.Index(i), e); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	case reflect.Map:
		d, ok := v.(Dictionary)
		if !ok {
			return mismatch()
		}
		ret := reflect.MakeMapWithSize(t, len(d.Entries))
		for _, e := range d.Entries {
			k := reflect.New(t.Key()).Elem()
			if err := assign(k, e.Key); err != nil {
				return fmt.Errorf("dictionary key: %w", err)
			}
			ev := reflect.New(t.Elem()).Elem()
			if err := assign(ev, e.Value); err != nil {
				return fmt.Errorf("dictionary value for key %v: %w", k, err)
			}
			ret.SetMapIndex(k, ev)
		}
		dst.Set(ret)
	case reflect.Struct:
		s, ok := v.(Structure)
		if !ok {
			return mismatch()
		}
		return assignFields(dst, s)
	default:
		return mismatch()
	}
	return nil
}

// assignFields assigns vs to the exported fields of the struct dst,
// in order.
func assignFields(dst reflect.Value, vs []Value) error {
	t := dst.Type()
	n := 0
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if n >= len(vs) {
			return fmt.Errorf("%d values, but %s has more exported fields", len(vs), t)
		}
		if err := assign(dst.Field(i), vs[n]); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		n++
	}
	if n != len(vs) {
		return fmt.Errorf("%d values, but %s has %d exported fields", len(vs), t, n)
	}
	return nil
}

// integer returns the value of an integer Value. signed reports which
// of i and u holds the value.
func integer(v Value) (i int64, u uint64, signed, ok bool) {
	switch v := v.(type) {
	case Byte:
		return 0, uint64(v), false, true
	case Int16:
		return int64(v), 0, true, true
	case Uint16:
		return 0, uint64(v), false, true
	case Int32:
		return int64(v), 0, true, true
	case Uint32:
		return 0, uint64(v), false, true
	case Int64:
		return int64(v), 0, true, true
	case Uint64:
		return 0, uint64(v), false, true
	default:
		return 0, 0, false, false
	}
}
