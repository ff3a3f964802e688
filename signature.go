package busrpc

import (
	"fmt"

	"github.com/danderson/busrpc/wire"
)

// A Signature is a DBus type signature. As a Value, it is the DBus
// SIGNATURE type.
type Signature string

// String returns the signature string.
func (s Signature) String() string {
	return string(s)
}

// Valid checks that s is a well-formed signature.
func (s Signature) Valid() error {
	return wire.ValidSignature(string(s))
}

// SignatureOf returns the DBus type signature of v.
//
// Containers derive their signature from their declared element types
// when set, or from their first element otherwise. SignatureOf fails
// for containers whose type cannot be determined, such as an empty
// Array without an element type.
func SignatureOf(v Value) (Signature, error) {
	if v == nil {
		return "", encodeErr("nil", "nil Value has no signature")
	}
	ret, err := v.signature()
	if err != nil {
		return "", EncodeError{Type: typeName(v), Reason: err}
	}
	return ret, nil
}

// SignatureOfValues returns the concatenated signatures of vs, which
// is the signature of a message body containing vs.
func SignatureOfValues(vs ...Value) (Signature, error) {
	var ret Signature
	for _, v := range vs {
		sig, err := SignatureOf(v)
		if err != nil {
			return "", err
		}
		ret += sig
	}
	return ret, nil
}

// encodable checks that sig is a single complete type made only of
// codes that some Value represents. Variants have no Value, so a
// signature mentioning them can never be encoded.
func encodable(sig Signature) error {
	if err := wire.ValidSingleType(string(sig)); err != nil {
		return err
	}
	for i := range len(sig) {
		switch c := sig[i]; {
		case wire.IsBasic(c), c == wire.TypeArray, c == wire.TypeStruct, c == ')', c == wire.TypeDictEntry, c == '}':
		default:
			return fmt.Errorf("type code %q has no Value representation", c)
		}
	}
	return nil
}

func typeName(v Value) string {
	switch v.(type) {
	case Byte:
		return "Byte"
	case Bool:
		return "Bool"
	case Int16:
		return "Int16"
	case Uint16:
		return "Uint16"
	case Int32:
		return "Int32"
	case Uint32:
		return "Uint32"
	case Int64:
		return "Int64"
	case Uint64:
		return "Uint64"
	case Double:
		return "Double"
	case String:
		return "String"
	case ObjectPath:
		return "ObjectPath"
	case Signature:
		return "Signature"
	case UnixHandle:
		return "UnixHandle"
	case Array:
		return "Array"
	case Dictionary:
		return "Dictionary"
	case Structure:
		return "Structure"
	default:
		return "nil"
	}
}
