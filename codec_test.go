package busrpc_test

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/hashicorp/go-metrics"

	"github.com/danderson/busrpc"
	"github.com/danderson/busrpc/fragments"
	"github.com/danderson/busrpc/wire"
)

func newMessage() *wire.Message {
	return wire.NewMethodCall("org.test", "/org/test", "org.test.Iface", "Frob")
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   []busrpc.Value
		sig  string
	}{
		{
			name: "scalars",
			in: []busrpc.Value{
				busrpc.Byte(7),
				busrpc.Bool(true),
				busrpc.Int16(-3),
				busrpc.Uint16(65535),
				busrpc.Int32(math.MinInt32),
				busrpc.Uint32(42),
				busrpc.Int64(-1 << 40),
				busrpc.Uint64(math.MaxUint64),
				busrpc.Double(1.5),
				busrpc.String("héllo"),
				busrpc.ObjectPath("/org/test/obj"),
				busrpc.Signature("a{sv}"),
			},
			sig: "ybnqiuxtdsog",
		},
		{
			name: "empty array",
			in:   []busrpc.Value{busrpc.Array{Elem: "s"}},
			sig:  "as",
		},
		{
			name: "nested",
			in: []busrpc.Value{
				busrpc.Array{
					Elem: "(sa(iu))",
					Values: []busrpc.Value{
						busrpc.Structure{
							busrpc.String("one"),
							busrpc.Array{
								Elem: "(iu)",
								Values: []busrpc.Value{
									busrpc.Structure{busrpc.Int32(1), busrpc.Uint32(2)},
									busrpc.Structure{busrpc.Int32(-3), busrpc.Uint32(4)},
								},
							},
						},
						busrpc.Structure{
							busrpc.String("two"),
							busrpc.Array{Elem: "(iu)"},
						},
					},
				},
				busrpc.Byte(1),
			},
			sig: "a(sa(iu))y",
		},
		{
			name: "dictionary",
			in: []busrpc.Value{
				busrpc.Dictionary{
					Key:  "s",
					Elem: "au",
					Entries: []busrpc.DictEntry{
						{busrpc.String("a"), busrpc.Array{Elem: "u", Values: []busrpc.Value{busrpc.Uint32(1)}}},
						{busrpc.String("b"), busrpc.Array{Elem: "u"}},
					},
				},
			},
			sig: "a{sau}",
		},
		{
			name: "inferred element types",
			in: []busrpc.Value{
				busrpc.Array{Values: []busrpc.Value{busrpc.Int16(1)}},
				busrpc.Dictionary{Entries: []busrpc.DictEntry{{busrpc.Uint64(1), busrpc.Bool(false)}}},
			},
			sig: "ana{tb}",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newMessage()
			if err := busrpc.Encode(context.Background(), m.Builder(), tc.in...); err != nil {
				t.Fatalf("Encode() got err: %v", err)
			}
			if m.Signature != tc.sig {
				t.Errorf("encoded signature = %q, want %q", m.Signature, tc.sig)
			}
			if got, err := busrpc.SignatureOfValues(tc.in...); err != nil {
				t.Errorf("SignatureOfValues() got err: %v", err)
			} else if string(got) != tc.sig {
				t.Errorf("SignatureOfValues() = %q, want %q", got, tc.sig)
			}

			got, err := busrpc.Decode(m.Reader())
			if err != nil {
				t.Fatalf("Decode() got err: %v", err)
			}
			want := fillTypes(tc.in)
			if diff := cmp.Diff(got, want, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("roundtrip mismatch (-got+want):\n%s", diff)
			}
		})
	}
}

// fillTypes returns vs with inferred container types made explicit,
// as the decoder produces them.
func fillTypes(vs []busrpc.Value) []busrpc.Value {
	var ret []busrpc.Value
	for _, v := range vs {
		switch v := v.(type) {
		case busrpc.Array:
			sig, _ := busrpc.SignatureOf(v)
			v.Elem = sig[1:]
			v.Values = fillTypes(v.Values)
			ret = append(ret, v)
		case busrpc.Dictionary:
			sig, _ := busrpc.SignatureOf(v)
			v.Key, v.Elem = sig[2:3], sig[3:len(sig)-1]
			ret = append(ret, v)
		case busrpc.Structure:
			ret = append(ret, busrpc.Structure(fillTypes(v)))
		default:
			ret = append(ret, v)
		}
	}
	return ret
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   busrpc.Value
	}{
		{"nil", nil},
		{"empty structure", busrpc.Structure{}},
		{"untyped empty array", busrpc.Array{}},
		{"mixed array", busrpc.Array{Elem: "s", Values: []busrpc.Value{busrpc.String("a"), busrpc.Int32(1)}}},
		{"mismatched elem", busrpc.Array{Elem: "u", Values: []busrpc.Value{busrpc.Uint64(1)}}},
		{"container key", busrpc.Dictionary{Key: "(i)", Elem: "s"}},
		{"mixed dict", busrpc.Dictionary{Key: "s", Elem: "s", Entries: []busrpc.DictEntry{{busrpc.String("a"), busrpc.Byte(1)}}}},
		{"bad object path", busrpc.ObjectPath("not/a/path")},
		{"bad signature", busrpc.Signature("a{")},
		{"invalid utf8", busrpc.String("\xff")},
		{"handle without file", busrpc.UnixHandle{}},
		{"variant elem", busrpc.Array{Elem: "v"}},
		{"nested variant elem", busrpc.Array{Elem: "a(sv)"}},
		{"variant dict value", busrpc.Dictionary{Key: "s", Elem: "v"}},
		{"variant in nested array", busrpc.Structure{busrpc.Array{Elem: "v"}}},
		{"struct code elem", busrpc.Array{Elem: "r"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newMessage()
			err := busrpc.Encode(context.Background(), m.Builder(), tc.in)
			if err == nil {
				t.Fatalf("Encode(%#v) succeeded, want error", tc.in)
			}
			var eerr busrpc.EncodeError
			if !errors.As(err, &eerr) {
				t.Fatalf("Encode(%#v) err = %v (%T), want EncodeError", tc.in, err, err)
			}
		})
	}
}

func TestDecodeSkipsUnsupported(t *testing.T) {
	e := fragments.Encoder{Order: fragments.LittleEndian}
	// v: variant holding a string
	mustOK(t, e.Signature("s"))
	e.String("skipped")
	// u
	e.Uint32(7)
	// (vs)
	mustOK(t, e.Struct(func() error {
		if err := e.Signature("u"); err != nil {
			return err
		}
		e.Uint32(1)
		e.String("kept")
		return nil
	}))
	// a{sv}
	mustOK(t, e.Array(true, func() error {
		return e.Struct(func() error {
			e.String("key")
			if err := e.Signature("b"); err != nil {
				return err
			}
			e.Uint32(1)
			return nil
		})
	}))
	// (v)
	mustOK(t, e.Struct(func() error {
		if err := e.Signature("y"); err != nil {
			return err
		}
		e.Uint8(1)
		return nil
	}))
	// a{su}
	mustOK(t, e.Array(true, func() error {
		return e.Struct(func() error {
			e.String("key")
			e.Uint32(2)
			return nil
		})
	}))
	m := &wire.Message{
		Type:      wire.TypeMethodReturn,
		Signature: "vu(vs)a{sv}(v)a{su}",
		Body:      e.Out,
		Order:     fragments.LittleEndian,
	}

	sink := metrics.NewInmemSink(time.Minute, time.Hour)
	dec := busrpc.Decoder{Metrics: sink}
	got, err := dec.Decode(m.Reader())
	if err != nil {
		t.Fatalf("Decode() got err: %v", err)
	}
	want := []busrpc.Value{
		busrpc.Uint32(7),
		busrpc.Structure{busrpc.String("kept")},
		busrpc.Dictionary{Key: "s", Elem: "v"},
		busrpc.Dictionary{
			Key:     "s",
			Elem:    "u",
			Entries: []busrpc.DictEntry{{busrpc.String("key"), busrpc.Uint32(2)}},
		},
	}
	if diff := cmp.Diff(got, want, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("decoded mismatch (-got+want):\n%s", diff)
	}
	if got := counterSum(sink, busrpc.MetricDecodeSkippedCount); got != 4 {
		t.Errorf("skipped counter = %v, want 4", got)
	}
}

func TestDecodeDepthLimit(t *testing.T) {
	m := newMessage()
	in := busrpc.Array{Elem: "aai", Values: []busrpc.Value{
		busrpc.Array{Elem: "ai", Values: []busrpc.Value{
			busrpc.Array{Elem: "i", Values: []busrpc.Value{busrpc.Int32(1)}},
		}},
	}}
	mustOK(t, busrpc.Encode(context.Background(), m.Builder(), in))

	dec := busrpc.Decoder{MaxDepth: 2}
	if _, err := dec.Decode(m.Reader()); err == nil {
		t.Fatal("Decode() with MaxDepth 2 succeeded, want error")
	}
	dec.MaxDepth = 3
	if _, err := dec.Decode(m.Reader()); err != nil {
		t.Fatalf("Decode() with MaxDepth 3 got err: %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	m := newMessage()
	mustOK(t, busrpc.Encode(context.Background(), m.Builder(), busrpc.String("hello"), busrpc.Uint64(1)))
	m.Body = m.Body[:len(m.Body)-4]
	if _, err := busrpc.Decode(m.Reader()); err == nil {
		t.Fatal("Decode() of truncated body succeeded, want error")
	}
}

func TestFileIndependence(t *testing.T) {
	r, w, err := os.Pipe()
	mustOK(t, err)
	defer r.Close()

	m := newMessage()
	mustOK(t, busrpc.Encode(context.Background(), m.Builder(), busrpc.String("fd"), busrpc.UnixHandle{File: w}))
	mustOK(t, w.Close())
	if len(m.Files) != 1 {
		t.Fatalf("message has %d files, want 1", len(m.Files))
	}

	got, err := busrpc.Decode(m.Reader())
	mustOK(t, err)
	mustOK(t, m.Close())
	if len(got) != 2 {
		t.Fatalf("decoded %d values, want 2", len(got))
	}
	h, ok := got[1].(busrpc.UnixHandle)
	if !ok || h.File == nil {
		t.Fatalf("decoded %#v, want UnixHandle with a file", got[1])
	}

	const msg = "still open"
	if _, err := io.WriteString(h.File, msg); err != nil {
		t.Fatalf("writing to decoded handle after message close: %v", err)
	}
	mustOK(t, busrpc.CloseValues(got...))
	bs, err := io.ReadAll(r)
	mustOK(t, err)
	if string(bs) != msg {
		t.Fatalf("read %q from pipe, want %q", bs, msg)
	}
}

type pipeSource struct {
	w *os.File
}

func (p pipeSource) File(ctx context.Context) (*os.File, error) {
	return p.w, nil
}

func TestFileSource(t *testing.T) {
	r, w, err := os.Pipe()
	mustOK(t, err)
	defer r.Close()
	defer w.Close()

	m := newMessage()
	mustOK(t, busrpc.Encode(context.Background(), m.Builder(), busrpc.UnixHandle{Source: pipeSource{w}}))
	defer m.Close()
	if m.Signature != "h" || len(m.Files) != 1 {
		t.Fatalf("encoded signature %q with %d files, want %q with 1", m.Signature, len(m.Files), "h")
	}
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// counterSum returns the total of all counter increments to key in
// sink, across all labels and intervals.
func counterSum(sink *metrics.InmemSink, key []string, labels ...metrics.Label) float64 {
	name := strings.Join(key, ".")
	var ret float64
	for _, intv := range sink.Data() {
		intv.RLock()
		for _, c := range intv.Counters {
			if c.Name == name && hasLabels(c.Labels, labels) {
				ret += c.Sum
			}
		}
		intv.RUnlock()
	}
	return ret
}

func hasLabels(have, want []metrics.Label) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
