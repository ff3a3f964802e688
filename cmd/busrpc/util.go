package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/danderson/busrpc"
)

type indenter struct {
	prefix     string
	indentNext bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			_, err := io.WriteString(os.Stdout, i.prefix)
			if err != nil {
				return ret, err
			}
		}

		wr := bs
		idx := bytes.IndexByte(bs, '\n')
		if idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := os.Stdout.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

// parseArg parses a command line method argument of the form
// type:value.
func parseArg(s string) (busrpc.Value, error) {
	typ, val, ok := strings.Cut(s, ":")
	if !ok || len(typ) != 1 {
		return busrpc.String(s), nil
	}
	switch typ[0] {
	case 'y':
		u, err := strconv.ParseUint(val, 0, 8)
		return busrpc.Byte(u), err
	case 'b':
		b, err := strconv.ParseBool(val)
		return busrpc.Bool(b), err
	case 'n':
		i, err := strconv.ParseInt(val, 0, 16)
		return busrpc.Int16(i), err
	case 'q':
		u, err := strconv.ParseUint(val, 0, 16)
		return busrpc.Uint16(u), err
	case 'i':
		i, err := strconv.ParseInt(val, 0, 32)
		return busrpc.Int32(i), err
	case 'u':
		u, err := strconv.ParseUint(val, 0, 32)
		return busrpc.Uint32(u), err
	case 'x':
		i, err := strconv.ParseInt(val, 0, 64)
		return busrpc.Int64(i), err
	case 't':
		u, err := strconv.ParseUint(val, 0, 64)
		return busrpc.Uint64(u), err
	case 'd':
		f, err := strconv.ParseFloat(val, 64)
		return busrpc.Double(f), err
	case 's':
		return busrpc.String(val), nil
	case 'o':
		return busrpc.ObjectPath(val), nil
	case 'g':
		sig := busrpc.Signature(val)
		return sig, sig.Valid()
	default:
		return nil, fmt.Errorf("unknown type code %q", typ)
	}
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}
