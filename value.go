package busrpc

import (
	"context"
	"errors"
	"os"
)

// A Value is a dynamically typed DBus value.
//
// The set of Value implementations is closed: Byte, Bool, Int16,
// Uint16, Int32, Uint32, Int64, Uint64, Double, String, ObjectPath,
// Signature, UnixHandle, Array, Dictionary and Structure.
type Value interface {
	// signature returns the DBus type signature of the value.
	signature() (Signature, error)
}

type (
	Byte       uint8
	Bool       bool
	Int16      int16
	Uint16     uint16
	Int32      int32
	Uint32     uint32
	Int64      int64
	Uint64     uint64
	Double     float64
	String     string
	ObjectPath string
)

func (Byte) signature() (Signature, error)       { return "y", nil }
func (Bool) signature() (Signature, error)       { return "b", nil }
func (Int16) signature() (Signature, error)      { return "n", nil }
func (Uint16) signature() (Signature, error)     { return "q", nil }
func (Int32) signature() (Signature, error)      { return "i", nil }
func (Uint32) signature() (Signature, error)     { return "u", nil }
func (Int64) signature() (Signature, error)      { return "x", nil }
func (Uint64) signature() (Signature, error)     { return "t", nil }
func (Double) signature() (Signature, error)     { return "d", nil }
func (String) signature() (Signature, error)     { return "s", nil }
func (ObjectPath) signature() (Signature, error) { return "o", nil }
func (Signature) signature() (Signature, error)  { return "g", nil }
func (UnixHandle) signature() (Signature, error) { return "h", nil }

// A FileSource provides a file descriptor on request, for values
// whose descriptor is produced lazily, for example by a remote
// capability. The returned file remains owned by the FileSource.
type FileSource interface {
	File(ctx context.Context) (*os.File, error)
}

// UnixHandle is a file descriptor to be sent or received over the
// bus.
//
// Exactly one of File and Source should be set. Decoded handles
// always carry a File, which the receiver owns and must close.
type UnixHandle struct {
	File   *os.File
	Source FileSource
}

// resolve returns the handle's file, asking Source for it if
// necessary.
func (h UnixHandle) resolve(ctx context.Context) (*os.File, error) {
	switch {
	case h.File != nil:
		return h.File, nil
	case h.Source != nil:
		f, err := h.Source.File(ctx)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, errors.New("file source returned no file")
		}
		return f, nil
	default:
		return nil, errors.New("UnixHandle has neither File nor Source")
	}
}

// Close closes the handle's File, if any.
func (h UnixHandle) Close() error {
	if h.File == nil {
		return nil
	}
	return h.File.Close()
}

// Array is a homogeneous DBus array.
type Array struct {
	// Elem is the DBus type of the array's elements. It may be left
	// empty if Values is non-empty, in which case it is inferred from
	// the first element.
	Elem   Signature
	Values []Value
}

func (a Array) elem() (Signature, error) {
	if a.Elem != "" {
		return a.Elem, nil
	}
	if len(a.Values) == 0 {
		return "", errors.New("empty array with no element type")
	}
	if a.Values[0] == nil {
		return "", errors.New("nil array element")
	}
	return a.Values[0].signature()
}

func (a Array) signature() (Signature, error) {
	elem, err := a.elem()
	if err != nil {
		return "", err
	}
	return "a" + elem, nil
}

// DictEntry is one key/value pair of a Dictionary.
type DictEntry struct {
	Key   Value
	Value Value
}

// Dictionary is a DBus dictionary, i.e. an array of dict entries.
type Dictionary struct {
	// Key and Elem are the DBus types of the dictionary's keys and
	// values. They may be left empty if Entries is non-empty, in
	// which case they are inferred from the first entry.
	Key     Signature
	Elem    Signature
	Entries []DictEntry
}

func (d Dictionary) kv() (key, elem Signature, err error) {
	key, elem = d.Key, d.Elem
	if key != "" && elem != "" {
		return key, elem, nil
	}
	if len(d.Entries) == 0 {
		return "", "", errors.New("empty dictionary with no key and value types")
	}
	e := d.Entries[0]
	if e.Key == nil || e.Value == nil {
		return "", "", errors.New("nil dictionary key or value")
	}
	if key == "" {
		if key, err = e.Key.signature(); err != nil {
			return "", "", err
		}
	}
	if elem == "" {
		if elem, err = e.Value.signature(); err != nil {
			return "", "", err
		}
	}
	return key, elem, nil
}

func (d Dictionary) signature() (Signature, error) {
	key, elem, err := d.kv()
	if err != nil {
		return "", err
	}
	return "a{" + key + elem + "}", nil
}

// Structure is a DBus struct. A Structure must have at least one
// field.
type Structure []Value

func (s Structure) signature() (Signature, error) {
	if len(s) == 0 {
		return "", errors.New("empty structure")
	}
	ret := Signature("(")
	for _, f := range s {
		if f == nil {
			return "", errors.New("nil structure field")
		}
		sig, err := f.signature()
		if err != nil {
			return "", err
		}
		ret += sig
	}
	return ret + ")", nil
}

// CloseValues closes every UnixHandle in vs, recursively.
func CloseValues(vs ...Value) error {
	var errs []error
	for _, v := range vs {
		switch v := v.(type) {
		case UnixHandle:
			if err := v.Close(); err != nil {
				errs = append(errs, err)
			}
		case Array:
			errs = append(errs, CloseValues(v.Values...))
		case Structure:
			errs = append(errs, CloseValues(v...))
		case Dictionary:
			for _, e := range v.Entries {
				errs = append(errs, CloseValues(e.Key, e.Value))
			}
		}
	}
	return errors.Join(errs...)
}
