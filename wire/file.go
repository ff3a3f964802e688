package wire

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DupFile returns a duplicate of f that refers to the same open file
// description, and that remains valid after f is closed. The
// duplicate has close-on-exec set.
func DupFile(f *os.File) (*os.File, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("duplicating %s: %w", f.Name(), err)
	}
	var (
		fd     int
		dupErr error
	)
	err = rc.Control(func(raw uintptr) {
		// Descriptors 0-2 are left alone, so that a duplicate never
		// masquerades as stdio.
		fd, dupErr = unix.FcntlInt(raw, unix.F_DUPFD_CLOEXEC, 3)
	})
	if err != nil {
		return nil, fmt.Errorf("duplicating %s: %w", f.Name(), err)
	}
	if dupErr != nil {
		return nil, fmt.Errorf("duplicating %s: %w", f.Name(), dupErr)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}
