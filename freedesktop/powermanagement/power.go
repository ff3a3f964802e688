// Package powermanagement provides an interface to the Freedesktop
// power management service on the session bus.
package powermanagement

import (
	"context"

	"github.com/danderson/busrpc"
)

type PowerManagement struct {
	main    busrpc.Adapter
	inhibit busrpc.Adapter
}

// New returns an interface to the power management service.
func New(s *busrpc.Session) PowerManagement {
	const (
		service = "org.freedesktop.PowerManagement"
		path    = "/org/freedesktop/PowerManagement"
	)
	return PowerManagement{
		main:    s.Adapter(service, path, "org.freedesktop.PowerManagement"),
		inhibit: s.Adapter(service, path, "org.freedesktop.PowerManagement.Inhibit"),
	}
}

func (iface PowerManagement) flag(ctx context.Context, method string) (bool, error) {
	var ret bool
	err := iface.main.Invoke(ctx, method, nil, &ret)
	return ret, err
}

// CanHibernate reports whether the system can suspend to disk.
func (iface PowerManagement) CanHibernate(ctx context.Context) (bool, error) {
	return iface.flag(ctx, "CanHibernate")
}

// CanHybridSuspend reports whether the system can save its state to
// disk and then suspend to RAM.
func (iface PowerManagement) CanHybridSuspend(ctx context.Context) (bool, error) {
	return iface.flag(ctx, "CanHybridSuspend")
}

// CanSuspend reports whether the system can suspend to RAM.
func (iface PowerManagement) CanSuspend(ctx context.Context) (bool, error) {
	return iface.flag(ctx, "CanSuspend")
}

// CanSuspendThenHibernate reports whether the system can suspend to
// RAM, and later hibernate when the battery runs low.
func (iface PowerManagement) CanSuspendThenHibernate(ctx context.Context) (bool, error) {
	return iface.flag(ctx, "CanSuspendThenHibernate")
}

// ShouldSavePower reports whether the system's power policy asks
// applications to reduce their power consumption.
func (iface PowerManagement) ShouldSavePower(ctx context.Context) (bool, error) {
	return iface.flag(ctx, "GetPowerSaveStatus")
}

// Hibernate asks the system to suspend to disk.
func (iface PowerManagement) Hibernate(ctx context.Context) error {
	return iface.main.Invoke(ctx, "Hibernate", nil, nil)
}

// Suspend asks the system to suspend to RAM.
func (iface PowerManagement) Suspend(ctx context.Context) error {
	return iface.main.Invoke(ctx, "Suspend", nil, nil)
}

// HasInhibit reports whether some application is currently
// preventing the system from sleeping.
func (iface PowerManagement) HasInhibit(ctx context.Context) (bool, error) {
	var ret bool
	err := iface.inhibit.Invoke(ctx, "HasInhibit", nil, &ret)
	return ret, err
}

// InhibitSleep prevents the system from sleeping until the returned
// cancel function is called.
//
// application and reason are shown to the user to explain what is
// keeping the system awake.
func (iface PowerManagement) InhibitSleep(ctx context.Context, application string, reason string) (cancel func(context.Context) error, err error) {
	req := struct{ App, Reason string }{application, reason}
	var cookie busrpc.Uint32
	if err := iface.inhibit.Invoke(ctx, "Inhibit", req, &cookie); err != nil {
		return nil, err
	}
	cancel = func(ctx context.Context) error {
		return iface.inhibit.Invoke(ctx, "UnInhibit", struct{ Cookie busrpc.Uint32 }{cookie}, nil)
	}
	return cancel, nil
}
