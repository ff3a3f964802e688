// Package idle provides an interface to the Freedesktop session
// locking service.
//
// The service is named org.freedesktop.ScreenSaver for historical
// reasons. It reports and controls session locking due to idleness.
package idle

import (
	"context"
	"time"

	"github.com/danderson/busrpc"
)

type Idle struct{ iface busrpc.Adapter }

// New returns an interface to the session locking service.
func New(s *busrpc.Session) Idle {
	return Idle{
		iface: s.Adapter("org.freedesktop.ScreenSaver", "/org/freedesktop/ScreenSaver", "org.freedesktop.ScreenSaver"),
	}
}

// Locked reports whether the session is locked.
func (iface Idle) Locked(ctx context.Context) (bool, error) {
	var ret bool
	err := iface.iface.Invoke(ctx, "GetActive", nil, &ret)
	return ret, err
}

func (iface Idle) seconds(ctx context.Context, method string) (time.Duration, error) {
	var secs uint32
	if err := iface.iface.Invoke(ctx, method, nil, &secs); err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// LockedTime returns how long the session has been locked, or 0 if
// it is unlocked.
func (iface Idle) LockedTime(ctx context.Context) (time.Duration, error) {
	return iface.seconds(ctx, "GetActiveTime")
}

// IdleTime returns how long the session has been idle. Idle sessions
// are not necessarily locked.
func (iface Idle) IdleTime(ctx context.Context) (time.Duration, error) {
	return iface.seconds(ctx, "GetSessionIdleTime")
}

// Inhibit prevents the session from locking due to idleness until
// the returned cancel function is called.
func (iface Idle) Inhibit(ctx context.Context, application string, reason string) (cancel func(context.Context) error, err error) {
	req := struct{ App, Reason string }{application, reason}
	var cookie busrpc.Uint32
	if err := iface.iface.Invoke(ctx, "Inhibit", req, &cookie); err != nil {
		return nil, err
	}
	cancel = func(ctx context.Context) error {
		return iface.iface.Invoke(ctx, "UnInhibit", struct{ Cookie busrpc.Uint32 }{cookie}, nil)
	}
	return cancel, nil
}

// Lock locks the session immediately.
func (iface Idle) Lock(ctx context.Context) error {
	return iface.iface.Invoke(ctx, "Lock", nil, nil)
}
