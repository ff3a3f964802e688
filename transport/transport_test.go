package transport_test

import (
	"io"
	"net"
	"os"
	"testing"

	"github.com/danderson/busrpc/transport"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    []transport.Address
		wantErr bool
	}{
		{
			in: "unix:path=/run/dbus/system_bus_socket",
			want: []transport.Address{
				{"unix", map[string]string{"path": "/run/dbus/system_bus_socket"}},
			},
		},
		{
			in: "unix:abstract=/tmp/dbus-x,guid=abc;unix:path=/tmp/b%20c",
			want: []transport.Address{
				{"unix", map[string]string{"abstract": "/tmp/dbus-x", "guid": "abc"}},
				{"unix", map[string]string{"path": "/tmp/b c"}},
			},
		},
		{in: "", wantErr: true},
		{in: "nocolon", wantErr: true},
		{in: "unix:path", wantErr: true},
	}

	for _, tc := range tests {
		got, err := transport.ParseAddress(tc.in)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("ParseAddress(%q) err=%v, want error: %v", tc.in, err, tc.wantErr)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("ParseAddress(%q) wrong result (-got+want):\n%s", tc.in, diff)
		}
	}
}

func socketPair(t *testing.T) (a, b *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	conn := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "socketpair")
		defer f.Close()
		c, err := net.FileConn(f)
		if err != nil {
			t.Fatal(err)
		}
		return c.(*net.UnixConn)
	}
	a, b = conn(fds[0]), conn(fds[1])
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestFilePassing(t *testing.T) {
	ca, cb := socketPair(t)
	a, b := transport.FromConn(ca), transport.FromConn(cb)

	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, err := a.WriteWithFiles([]byte("hi"), []*os.File{f}); err != nil {
		t.Fatalf("WriteWithFiles: %v", err)
	}
	var buf [2]byte
	if _, err := io.ReadFull(b, buf[:]); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:]) != "hi" {
		t.Fatalf("read %q, want %q", buf[:], "hi")
	}

	if _, err := b.GetFiles(2); err == nil {
		t.Fatal("GetFiles(2) succeeded with only one file pending")
	}
	fs, err := b.GetFiles(1)
	if err != nil {
		t.Fatalf("GetFiles: %v", err)
	}
	defer fs[0].Close()

	var got, want unix.Stat_t
	if err := unix.Fstat(int(fs[0].Fd()), &got); err != nil {
		t.Fatal(err)
	}
	if err := unix.Fstat(int(f.Fd()), &want); err != nil {
		t.Fatal(err)
	}
	if got.Ino != want.Ino || got.Dev != want.Dev {
		t.Fatal("received file is not the file that was sent")
	}
}
