package wire

import (
	"errors"
	"fmt"
	"math"
)

// Type codes, as they appear in DBus type signatures.
const (
	TypeByte       byte = 'y'
	TypeBool       byte = 'b'
	TypeInt16      byte = 'n'
	TypeUint16     byte = 'q'
	TypeInt32      byte = 'i'
	TypeUint32     byte = 'u'
	TypeInt64      byte = 'x'
	TypeUint64     byte = 't'
	TypeDouble     byte = 'd'
	TypeString     byte = 's'
	TypeObjectPath byte = 'o'
	TypeSignature  byte = 'g'
	TypeUnixFD     byte = 'h'
	TypeArray      byte = 'a'
	TypeVariant    byte = 'v'

	// TypeStruct and TypeDictEntry are the opening characters of
	// struct and dict entry signatures.
	TypeStruct    byte = '('
	TypeDictEntry byte = '{'

	// TypeStructCode is the alternate struct type code used by
	// libraries that do not spell structs with parentheses.
	TypeStructCode byte = 'r'
)

// maxNesting is the maximum combined array and struct nesting depth
// that DBus permits in a signature.
const maxNesting = 64

// IsBasic reports whether typ is the code of a DBus basic type,
// i.e. one that can be a dict entry key.
func IsBasic(typ byte) bool {
	switch typ {
	case TypeByte, TypeBool, TypeInt16, TypeUint16, TypeInt32, TypeUint32, TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjectPath, TypeSignature, TypeUnixFD:
		return true
	}
	return false
}

// Alignment returns the wire alignment of values whose type
// signature starts with typ.
func Alignment(typ byte) int {
	switch typ {
	case TypeByte, TypeSignature, TypeVariant:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeBool, TypeInt32, TypeUint32, TypeString, TypeObjectPath, TypeUnixFD, TypeArray:
		return 4
	default:
		return 8
	}
}

// ValidSignature checks that sig is a valid DBus signature, consisting
// of zero or more complete types.
func ValidSignature(sig string) error {
	if len(sig) > math.MaxUint8 {
		return fmt.Errorf("signature %q is too long (%d bytes, max %d)", sig, len(sig), math.MaxUint8)
	}
	for rest := sig; rest != ""; {
		var err error
		if _, rest, err = nextType(rest, false, 0); err != nil {
			return fmt.Errorf("invalid type signature %q: %w", sig, err)
		}
	}
	return nil
}

// ValidSingleType checks that sig is exactly one complete type.
func ValidSingleType(sig string) error {
	if sig == "" {
		return errors.New("empty type signature")
	}
	_, rest, err := NextType(sig)
	if err != nil {
		return err
	}
	if rest != "" {
		return fmt.Errorf("signature %q has more than one complete type", sig)
	}
	return nil
}

// NextType splits the first complete type off the front of sig, and
// returns it along with the remainder of the signature.
func NextType(sig string) (typ, rest string, err error) {
	if sig == "" {
		return "", "", errors.New("empty type signature")
	}
	return nextType(sig, false, 0)
}

func nextType(sig string, inArray bool, depth int) (typ, rest string, err error) {
	if depth > maxNesting {
		return "", "", fmt.Errorf("type nesting exceeds maximum depth %d", maxNesting)
	}
	if IsBasic(sig[0]) || sig[0] == TypeVariant {
		return sig[:1], sig[1:], nil
	}

	switch sig[0] {
	case TypeArray:
		if len(sig) == 1 {
			return "", "", errors.New("array is missing an element type")
		}
		elem, rest, err := nextType(sig[1:], true, depth+1)
		if err != nil {
			return "", "", err
		}
		return "a" + elem, rest, nil
	case TypeStruct:
		rest := sig[1:]
		n := 0
		for rest != "" && rest[0] != ')' {
			_, rest, err = nextType(rest, false, depth+1)
			if err != nil {
				return "", "", err
			}
			n++
		}
		if rest == "" {
			return "", "", errors.New("missing closing ) in struct definition")
		}
		if n == 0 {
			return "", "", errors.New("struct has no fields")
		}
		end := len(sig) - len(rest) + 1
		return sig[:end], sig[end:], nil
	case TypeDictEntry:
		if !inArray {
			return "", "", errors.New("dict entry type found outside array")
		}
		if len(sig) < 2 || !IsBasic(sig[1]) {
			return "", "", errors.New("invalid dict entry key type, must be a basic type")
		}
		if len(sig) < 3 || sig[2] == '}' {
			return "", "", errors.New("dict entry is missing a value type")
		}
		_, rest, err := nextType(sig[2:], false, depth+1)
		if err != nil {
			return "", "", err
		}
		if rest == "" || rest[0] != '}' {
			return "", "", errors.New("missing closing } in dict entry definition")
		}
		end := len(sig) - len(rest) + 1
		return sig[:end], sig[end:], nil
	default:
		return "", "", fmt.Errorf("unknown type specifier %q", sig[0])
	}
}

// contents returns the part of the complete type t that describes
// the container's contents: the element type of an array, or the
// fields of a struct or dict entry. It returns "" for basic types.
func contents(t string) string {
	switch t[0] {
	case TypeArray:
		return t[1:]
	case TypeStruct, TypeDictEntry:
		return t[1 : len(t)-1]
	default:
		return ""
	}
}
