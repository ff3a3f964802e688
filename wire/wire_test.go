package wire_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/danderson/busrpc/fragments"
	"github.com/danderson/busrpc/wire"
	"github.com/google/go-cmp/cmp"
)

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestBuildAndRead(t *testing.T) {
	m := wire.NewMethodCall("org.test", "/org/test", "org.test.Iface", "Frob")
	b := m.Builder()

	mustOK(t, b.OpenContainer(wire.TypeArray, "(su)"))
	for i, s := range []string{"foo", "bar"} {
		mustOK(t, b.OpenContainer(wire.TypeStruct, "su"))
		mustOK(t, b.AppendBasic(wire.TypeString, s))
		mustOK(t, b.AppendBasic(wire.TypeUint32, uint32(i)))
		mustOK(t, b.CloseContainer())
	}
	mustOK(t, b.CloseContainer())
	mustOK(t, b.OpenContainer(wire.TypeArray, "{sy}"))
	mustOK(t, b.OpenContainer(wire.TypeDictEntry, "sy"))
	mustOK(t, b.AppendBasic(wire.TypeString, "k"))
	mustOK(t, b.AppendBasic(wire.TypeByte, uint8(42)))
	mustOK(t, b.CloseContainer())
	mustOK(t, b.CloseContainer())
	mustOK(t, b.AppendBasic(wire.TypeBool, true))
	mustOK(t, b.AppendBasic(wire.TypeObjectPath, "/a/b"))

	if got, want := m.Signature, "a(su)a{sy}bo"; got != want {
		t.Fatalf("built signature %q, want %q", got, want)
	}
	mustOK(t, m.Valid())

	type entry struct {
		S string
		U uint32
	}
	var (
		r       = m.Reader()
		structs []entry
	)
	typ, inner, err := r.Peek()
	mustOK(t, err)
	if typ != wire.TypeArray || inner != "(su)" {
		t.Fatalf("Peek() = %q %q, want array of (su)", typ, inner)
	}
	mustOK(t, r.EnterContainer(wire.TypeArray, "(su)"))
	for {
		typ, _, err := r.Peek()
		mustOK(t, err)
		if typ == 0 {
			break
		}
		mustOK(t, r.EnterContainer(wire.TypeStruct, ""))
		s, err := r.ReadBasic(wire.TypeString)
		mustOK(t, err)
		u, err := r.ReadBasic(wire.TypeUint32)
		mustOK(t, err)
		mustOK(t, r.ExitContainer())
		structs = append(structs, entry{s.(string), u.(uint32)})
	}
	mustOK(t, r.ExitContainer())
	want := []entry{{"foo", 0}, {"bar", 1}}
	if diff := cmp.Diff(structs, want); diff != "" {
		t.Fatalf("wrong array contents (-got+want):\n%s", diff)
	}

	mustOK(t, r.EnterContainer(wire.TypeArray, "{sy}"))
	mustOK(t, r.EnterContainer(wire.TypeDictEntry, "sy"))
	k, err := r.ReadBasic(wire.TypeString)
	mustOK(t, err)
	v, err := r.ReadBasic(wire.TypeByte)
	mustOK(t, err)
	if k != "k" || v != uint8(42) {
		t.Fatalf("dict entry = %v:%v, want k:42", k, v)
	}
	mustOK(t, r.ExitContainer())
	mustOK(t, r.ExitContainer())

	bv, err := r.ReadBasic(wire.TypeBool)
	mustOK(t, err)
	if bv != true {
		t.Fatalf("bool = %v, want true", bv)
	}
	mustOK(t, r.Skip())
	if typ, _, err := r.Peek(); err != nil || typ != 0 {
		t.Fatalf("Peek() at end = %q, %v, want end of body", typ, err)
	}
}

func TestBuilderErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *wire.Builder) error
	}{
		{
			"wrong Go type",
			func(b *wire.Builder) error {
				return b.AppendBasic(wire.TypeInt32, int64(1))
			},
		},
		{
			"bad object path",
			func(b *wire.Builder) error {
				return b.AppendBasic(wire.TypeObjectPath, "not/a/path")
			},
		},
		{
			"array element mismatch",
			func(b *wire.Builder) error {
				if err := b.OpenContainer(wire.TypeArray, "u"); err != nil {
					return err
				}
				return b.AppendBasic(wire.TypeString, "x")
			},
		},
		{
			"struct field mismatch",
			func(b *wire.Builder) error {
				if err := b.OpenContainer(wire.TypeStruct, "su"); err != nil {
					return err
				}
				return b.AppendBasic(wire.TypeUint32, uint32(1))
			},
		},
		{
			"incomplete struct",
			func(b *wire.Builder) error {
				if err := b.OpenContainer(wire.TypeStruct, "su"); err != nil {
					return err
				}
				if err := b.AppendBasic(wire.TypeString, "x"); err != nil {
					return err
				}
				return b.CloseContainer()
			},
		},
		{
			"dict entry outside array",
			func(b *wire.Builder) error {
				return b.OpenContainer(wire.TypeDictEntry, "sy")
			},
		},
		{
			"non-basic dict key",
			func(b *wire.Builder) error {
				return b.OpenContainer(wire.TypeArray, "{(s)y}")
			},
		},
		{
			"empty struct",
			func(b *wire.Builder) error {
				return b.OpenContainer(wire.TypeStruct, "")
			},
		},
		{
			"close without open",
			func(b *wire.Builder) error {
				return b.CloseContainer()
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := wire.NewMethodCall("org.test", "/", "", "Frob")
			if err := tc.build(m.Builder()); err == nil {
				t.Fatal("build succeeded, want error")
			}
		})
	}
}

func TestUnclosedContainerInvalid(t *testing.T) {
	m := wire.NewMethodCall("org.test", "/", "", "Frob")
	mustOK(t, m.Builder().OpenContainer(wire.TypeArray, "s"))
	if err := m.Valid(); err == nil {
		t.Fatal("message with open container is valid, want error")
	}
}

func TestReaderSkipVariant(t *testing.T) {
	e := fragments.Encoder{Order: fragments.LittleEndian}
	mustOK(t, e.Signature("s"))
	e.String("hi")
	e.Uint32(7)
	m := &wire.Message{
		Type:      wire.TypeMethodReturn,
		Signature: "vu",
		Body:      e.Out,
		Order:     fragments.LittleEndian,
	}

	r := m.Reader()
	typ, _, err := r.Peek()
	mustOK(t, err)
	if typ != wire.TypeVariant {
		t.Fatalf("Peek() = %q, want variant", typ)
	}
	if _, err := r.ReadBasic(wire.TypeVariant); err == nil {
		t.Fatal("ReadBasic of variant succeeded, want error")
	}
	mustOK(t, r.Skip())
	u, err := r.ReadBasic(wire.TypeUint32)
	mustOK(t, err)
	if u != uint32(7) {
		t.Fatalf("value after variant = %v, want 7", u)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	call := wire.NewMethodCall("org.test", "/org/test", "org.test.Iface", "Frob")
	call.Serial = 42
	call.Flags = wire.FlagNoAutoStart
	mustOK(t, call.Builder().AppendBasic(wire.TypeString, "hello"))

	hdr, err := call.MarshalHeader()
	mustOK(t, err)
	if len(hdr)%8 != 0 {
		t.Fatalf("header length %d is not 8-aligned", len(hdr))
	}

	var buf bytes.Buffer
	buf.Write(hdr)
	buf.Write(call.Body)
	got, err := wire.ReadMessage(&buf, nil)
	mustOK(t, err)

	opts := cmp.Comparer(func(a, b fragments.ByteOrder) bool {
		return fragments.Flag(a) == fragments.Flag(b)
	})
	if diff := cmp.Diff(got, call, opts, cmp.AllowUnexported(wire.Message{})); diff != "" {
		t.Fatalf("round trip changed message (-got+want):\n%s", diff)
	}
	if buf.Len() != 0 {
		t.Fatalf("ReadMessage left %d unread bytes", buf.Len())
	}
}

func TestMessageWithFiles(t *testing.T) {
	f, err := os.Open(os.DevNull)
	mustOK(t, err)
	defer f.Close()

	call := wire.NewMethodCall("org.test", "/", "", "Frob")
	call.Serial = 1
	mustOK(t, call.Builder().AppendBasic(wire.TypeUnixFD, f))
	if len(call.Files) != 1 {
		t.Fatalf("message has %d files, want 1", len(call.Files))
	}

	hdr, err := call.MarshalHeader()
	mustOK(t, err)
	var buf bytes.Buffer
	buf.Write(hdr)
	buf.Write(call.Body)

	var asked int
	got, err := wire.ReadMessage(&buf, func(n int) ([]*os.File, error) {
		asked = n
		return call.Files, nil
	})
	mustOK(t, err)
	if asked != 1 {
		t.Fatalf("ReadMessage asked for %d files, want 1", asked)
	}
	v, err := got.Reader().ReadBasic(wire.TypeUnixFD)
	mustOK(t, err)
	if v.(*os.File) != call.Files[0] {
		t.Fatal("read back a different file than was attached")
	}
	mustOK(t, call.Close())
}

func TestErrorText(t *testing.T) {
	call := wire.NewMethodCall("org.test", "/", "", "Frob")
	call.Serial = 3
	call.Sender = ":1.5"
	e := wire.NewError(call, "org.test.Error.Nope", "no can do")
	mustOK(t, e.Valid())
	if e.ReplySerial != 3 || e.Destination != ":1.5" {
		t.Fatalf("error reply addressed to %q serial %d, want :1.5 serial 3", e.Destination, e.ReplySerial)
	}
	if got := e.ErrorText(); got != "no can do" {
		t.Fatalf("ErrorText() = %q, want %q", got, "no can do")
	}
}

func TestNextType(t *testing.T) {
	tests := []struct {
		in, typ, rest string
		wantErr       bool
	}{
		{"su", "s", "u", false},
		{"a{sv}u", "a{sv}", "u", false},
		{"(a(ii)s)", "(a(ii)s)", "", false},
		{"aa{s(yy)}", "aa{s(yy)}", "", false},
		{"{sv}", "", "", true},
		{"a{vs}", "", "", true},
		{"(", "", "", true},
		{"()", "", "", true},
		{"a", "", "", true},
		{"z", "", "", true},
	}
	for _, tc := range tests {
		typ, rest, err := wire.NextType(tc.in)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("NextType(%q) err=%v, want error: %v", tc.in, err, tc.wantErr)
			continue
		}
		if typ != tc.typ || rest != tc.rest {
			t.Errorf("NextType(%q) = %q, %q, want %q, %q", tc.in, typ, rest, tc.typ, tc.rest)
		}
	}
}
