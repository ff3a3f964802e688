package busrpc_test

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/danderson/busrpc"
)

type point struct {
	X, Y int32
	skip string
}

type named struct {
	Name  string
	Tags  []string
	Props map[string]uint16
	At    *point
}

func TestFromDynamic(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want busrpc.Value
	}{
		{"uint8", uint8(200), busrpc.Byte(200)},
		{"bool", true, busrpc.Bool(true)},
		{"int16 widens", int16(-1), busrpc.Int32(-1)},
		{"int32", int32(math.MinInt32), busrpc.Int32(math.MinInt32)},
		{"int64", int64(-5), busrpc.Int64(-5)},
		{"uint16 widens", uint16(65535), busrpc.Uint64(65535)},
		{"uint32 widens", uint32(math.MaxUint32), busrpc.Uint64(math.MaxUint32)},
		{"small uint32 widens", uint32(1), busrpc.Uint64(1)},
		{"uint64", uint64(math.MaxUint64), busrpc.Uint64(math.MaxUint64)},
		{"float32", float32(0.5), busrpc.Double(0.5)},
		{"float64", 2.25, busrpc.Double(2.25)},
		{"string", "hi", busrpc.String("hi")},
		{"value passthrough", busrpc.ObjectPath("/a"), busrpc.ObjectPath("/a")},
		{"pointer", ptr(int32(3)), busrpc.Int32(3)},
		{"nil pointer", (*uint8)(nil), busrpc.Byte(0)},
		{
			"slice",
			[]uint16{1, 2},
			busrpc.Array{Elem: "t", Values: []busrpc.Value{busrpc.Uint64(1), busrpc.Uint64(2)}},
		},
		{
			"empty slice",
			[]int16{},
			busrpc.Array{Elem: "i"},
		},
		{
			"array of slices",
			[2][]bool{{true}, nil},
			busrpc.Array{Elem: "ab", Values: []busrpc.Value{
				busrpc.Array{Elem: "b", Values: []busrpc.Value{busrpc.Bool(true)}},
				busrpc.Array{Elem: "b"},
			}},
		},
		{
			"map sorted by key",
			map[string]int32{"b": 2, "a": 1, "c": 3},
			busrpc.Dictionary{Key: "s", Elem: "i", Entries: []busrpc.DictEntry{
				{busrpc.String("a"), busrpc.Int32(1)},
				{busrpc.String("b"), busrpc.Int32(2)},
				{busrpc.String("c"), busrpc.Int32(3)},
			}},
		},
		{
			"struct",
			point{X: 1, Y: -1, skip: "x"},
			busrpc.Structure{busrpc.Int32(1), busrpc.Int32(-1)},
		},
		{
			"nested struct",
			named{
				Name:  "n",
				Tags:  []string{"t"},
				Props: map[string]uint16{"p": 4},
			},
			busrpc.Structure{
				busrpc.String("n"),
				busrpc.Array{Elem: "s", Values: []busrpc.Value{busrpc.String("t")}},
				busrpc.Dictionary{Key: "s", Elem: "t", Entries: []busrpc.DictEntry{{busrpc.String("p"), busrpc.Uint64(4)}}},
				busrpc.Structure{busrpc.Int32(0), busrpc.Int32(0)},
			},
		},
		{
			"slice of structs",
			[]point{{X: 1, Y: 2}},
			busrpc.Array{Elem: "(ii)", Values: []busrpc.Value{busrpc.Structure{busrpc.Int32(1), busrpc.Int32(2)}}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := busrpc.FromDynamic(tc.in)
			if err != nil {
				t.Fatalf("FromDynamic(%#v) got err: %v", tc.in, err)
			}
			if diff := cmp.Diff(got, tc.want, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("FromDynamic(%#v) mismatch (-got+want):\n%s", tc.in, diff)
			}
		})
	}
}

func TestFromDynamicErrors(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"nil", nil},
		{"int", 1},
		{"int8", int8(1)},
		{"uint", uint(1)},
		{"complex", complex(1, 2)},
		{"chan", make(chan int)},
		{"func", func() {}},
		{"no exported fields", struct{ x int }{}},
		{"struct key", map[point]string{{}: "x"}},
		{"bad element", []any{"a", 1}},
		{"nil file", (*os.File)(nil)},
		{"recursive type", node{V: 1}},
		{"cyclic pointer", cyclicNode()},
		{"cyclic map", cyclicMap()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := qt.New(t)
			_, err := busrpc.FromDynamic(tc.in)
			c.Assert(err, qt.ErrorAs, new(busrpc.EncodeError))
		})
	}
}

type node struct {
	V    int32
	Next *node
}

func cyclicNode() *node {
	n := &node{V: 1}
	n.Next = &node{V: 2, Next: n}
	return n
}

func cyclicMap() map[string]any {
	m := map[string]any{}
	m["self"] = m
	return m
}

func TestEncodeDynamic(t *testing.T) {
	c := qt.New(t)
	m := newMessage()
	err := busrpc.EncodeDynamic(context.Background(), m.Builder(), uint16(65535), int16(-1), []point{{X: 1, Y: 2}})
	c.Assert(err, qt.IsNil)
	c.Assert(m.Signature, qt.Equals, "tia(ii)")

	got, err := busrpc.Decode(m.Reader())
	c.Assert(err, qt.IsNil)
	c.Assert(got[0], qt.Equals, busrpc.Value(busrpc.Uint64(65535)))
	c.Assert(got[1], qt.Equals, busrpc.Value(busrpc.Int32(-1)))
}

func TestAssign(t *testing.T) {
	c := qt.New(t)

	var u8 uint8
	c.Assert(busrpc.Assign(&u8, busrpc.Uint64(255)), qt.IsNil)
	c.Assert(u8, qt.Equals, uint8(255))
	c.Assert(busrpc.Assign(&u8, busrpc.Uint64(256)), qt.ErrorMatches, `value 256 overflows uint8`)
	c.Assert(busrpc.Assign(&u8, busrpc.Int32(-1)), qt.ErrorMatches, `negative value -1 .*`)

	var i int
	c.Assert(busrpc.Assign(&i, busrpc.Uint32(7)), qt.IsNil)
	c.Assert(i, qt.Equals, 7)
	var i16 int16
	c.Assert(busrpc.Assign(&i16, busrpc.Int64(1<<20)), qt.ErrorMatches, `value 1048576 overflows int16`)
	c.Assert(busrpc.Assign(&i16, busrpc.String("x")), qt.ErrorMatches, `cannot assign String .*`)

	var f float32
	c.Assert(busrpc.Assign(&f, busrpc.Double(0.5)), qt.IsNil)
	c.Assert(f, qt.Equals, float32(0.5))

	var s string
	c.Assert(busrpc.Assign(&s, busrpc.ObjectPath("/a/b")), qt.IsNil)
	c.Assert(s, qt.Equals, "/a/b")

	var v busrpc.Value
	c.Assert(busrpc.Assign(&v, busrpc.Byte(3)), qt.IsNil)
	c.Assert(v, qt.Equals, busrpc.Value(busrpc.Byte(3)))

	var p *point
	c.Assert(busrpc.Assign(&p, busrpc.Structure{busrpc.Int32(1), busrpc.Int32(2)}), qt.IsNil)
	c.Assert(p, qt.CmpEquals(cmpopts.IgnoreUnexported(point{})), &point{X: 1, Y: 2})

	var n named
	err := busrpc.Assign(&n, busrpc.Structure{
		busrpc.String("n"),
		busrpc.Array{Elem: "s", Values: []busrpc.Value{busrpc.String("a"), busrpc.String("b")}},
		busrpc.Dictionary{Key: "s", Elem: "t", Entries: []busrpc.DictEntry{{busrpc.String("p"), busrpc.Uint64(9)}}},
		busrpc.Structure{busrpc.Int32(5), busrpc.Int32(6)},
	})
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.CmpEquals(cmpopts.IgnoreUnexported(point{})), named{
		Name:  "n",
		Tags:  []string{"a", "b"},
		Props: map[string]uint16{"p": 9},
		At:    &point{X: 5, Y: 6},
	})

	err = busrpc.Assign(&n, busrpc.Structure{busrpc.String("short")})
	c.Assert(err, qt.ErrorMatches, `.*more exported fields`)

	var arr [2]bool
	c.Assert(busrpc.Assign(&arr, busrpc.Array{Elem: "b", Values: []busrpc.Value{busrpc.Bool(true)}}), qt.ErrorMatches, `cannot assign array of 1 elements .*`)

	c.Assert(busrpc.Assign(u8, busrpc.Byte(1)), qt.ErrorMatches, `cannot assign to non-pointer uint8`)
}

func TestAssignFile(t *testing.T) {
	c := qt.New(t)
	r, w, err := os.Pipe()
	c.Assert(err, qt.IsNil)
	defer r.Close()
	defer w.Close()

	var f *os.File
	c.Assert(busrpc.Assign(&f, busrpc.UnixHandle{File: w}), qt.IsNil)
	c.Assert(f, qt.Equals, w)

	var h busrpc.UnixHandle
	c.Assert(busrpc.Assign(&h, busrpc.UnixHandle{File: r}), qt.IsNil)
	c.Assert(h.File, qt.Equals, r)

	c.Assert(busrpc.Assign(&f, busrpc.Uint32(1)), qt.Not(qt.IsNil))
}

func TestSignatureOfErrors(t *testing.T) {
	c := qt.New(t)
	_, err := busrpc.SignatureOf(busrpc.Array{})
	var eerr busrpc.EncodeError
	c.Assert(errors.As(err, &eerr), qt.IsTrue)
	c.Assert(eerr.Type, qt.Equals, "Array")
}

func ptr[T any](v T) *T { return &v }
