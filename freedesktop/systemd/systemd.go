// Package systemd provides an interface to the systemd service
// manager.
//
// This corresponds to the org.freedesktop.systemd1.Manager interface
// on the system bus, or on the session bus for a user's service
// manager.
package systemd

import (
	"context"

	"github.com/danderson/busrpc"
)

const (
	service      = "org.freedesktop.systemd1"
	path         = "/org/freedesktop/systemd1"
	managerIface = "org.freedesktop.systemd1.Manager"
)

// Manager is the org.freedesktop.systemd1.Manager interface of the
// systemd service manager. It lists units and queues jobs against
// them.
type Manager struct{ iface busrpc.Adapter }

// New returns an interface to the service manager that s is connected
// to.
func New(s *busrpc.Session) Manager {
	return Manager{
		iface: s.Adapter(service, path, managerIface),
	}
}

// Unit is a unit loaded by the service manager.
type Unit struct {
	// Name is the primary unit name, for example "sshd.service".
	Name string
	// Description is the human-readable description of the unit.
	Description string
	// LoadState reports whether the unit's configuration was loaded
	// successfully, for example "loaded" or "not-found".
	LoadState string
	// ActiveState is the high-level activation state, for example
	// "active" or "failed".
	ActiveState string
	// SubState is the unit type specific activation state, for
	// example "running" or "exited".
	SubState string
	// Following is the unit that this unit follows in state, or
	// empty.
	Following string
	// Path is the unit's object path.
	Path busrpc.ObjectPath
	// JobID is the ID of the job queued for the unit, or 0.
	JobID uint32
	// JobType is the type of the queued job, for example "start".
	JobType string
	// JobPath is the object path of the queued job, or "/".
	JobPath busrpc.ObjectPath
}

// ListUnits returns the units currently loaded by the service
// manager.
func (m Manager) ListUnits(ctx context.Context) ([]Unit, error) {
	var ret []Unit
	if err := m.iface.Invoke(ctx, "ListUnits", nil, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// GetUnit returns the object path of the loaded unit with the given
// name.
func (m Manager) GetUnit(ctx context.Context, name string) (busrpc.ObjectPath, error) {
	var ret busrpc.ObjectPath
	req := struct{ Name string }{name}
	if err := m.iface.Invoke(ctx, "GetUnit", req, &ret); err != nil {
		return "", err
	}
	return ret, nil
}

// GetUnitByPID returns the object path of the unit that the process
// pid belongs to.
func (m Manager) GetUnitByPID(ctx context.Context, pid uint32) (busrpc.ObjectPath, error) {
	var ret busrpc.ObjectPath
	// PID is a DBus uint32, which plain Go integers do not narrow to.
	req := struct{ PID busrpc.Uint32 }{busrpc.Uint32(pid)}
	if err := m.iface.Invoke(ctx, "GetUnitByPID", req, &ret); err != nil {
		return "", err
	}
	return ret, nil
}

// StartUnit queues a job that starts the named unit, and returns the
// job's object path.
//
// mode selects how the job interacts with already queued jobs, and is
// usually "replace".
func (m Manager) StartUnit(ctx context.Context, name, mode string) (busrpc.ObjectPath, error) {
	return m.unitJob(ctx, "StartUnit", name, mode)
}

// StopUnit queues a job that stops the named unit, and returns the
// job's object path.
func (m Manager) StopUnit(ctx context.Context, name, mode string) (busrpc.ObjectPath, error) {
	return m.unitJob(ctx, "StopUnit", name, mode)
}

// RestartUnit queues a job that restarts the named unit, and returns
// the job's object path.
func (m Manager) RestartUnit(ctx context.Context, name, mode string) (busrpc.ObjectPath, error) {
	return m.unitJob(ctx, "RestartUnit", name, mode)
}

func (m Manager) unitJob(ctx context.Context, method, name, mode string) (busrpc.ObjectPath, error) {
	var ret busrpc.ObjectPath
	req := struct{ Name, Mode string }{name, mode}
	if err := m.iface.Invoke(ctx, method, req, &ret); err != nil {
		return "", err
	}
	return ret, nil
}

// KillUnit sends signal to processes of the named unit. whom selects
// which processes, one of "main", "control" or "all".
func (m Manager) KillUnit(ctx context.Context, name, whom string, signal int32) error {
	req := struct {
		Name, Whom string
		Signal     int32
	}{name, whom, signal}
	return m.iface.Invoke(ctx, "KillUnit", req, nil)
}
