package systemd_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/danderson/busrpc"
	"github.com/danderson/busrpc/bustest"
	"github.com/danderson/busrpc/freedesktop/systemd"
	"github.com/danderson/busrpc/wire"
)

var units = []systemd.Unit{
	{
		Name:        "sshd.service",
		Description: "OpenSSH Daemon",
		LoadState:   "loaded",
		ActiveState: "active",
		SubState:    "running",
		Path:        "/org/freedesktop/systemd1/unit/sshd_2eservice",
		JobPath:     "/",
	},
	{
		Name:        "backup.service",
		Description: "Nightly backup",
		LoadState:   "loaded",
		ActiveState: "inactive",
		SubState:    "dead",
		Path:        "/org/freedesktop/systemd1/unit/backup_2eservice",
		JobID:       42,
		JobType:     "start",
		JobPath:     "/org/freedesktop/systemd1/job/42",
	},
}

// unitValue is the wire form of u. JobID is a DBus uint32, which
// FromDynamic would widen.
func unitValue(u systemd.Unit) busrpc.Value {
	return busrpc.Structure{
		busrpc.String(u.Name),
		busrpc.String(u.Description),
		busrpc.String(u.LoadState),
		busrpc.String(u.ActiveState),
		busrpc.String(u.SubState),
		busrpc.String(u.Following),
		u.Path,
		busrpc.Uint32(u.JobID),
		busrpc.String(u.JobType),
		u.JobPath,
	}
}

// manager answers Manager calls the way systemd does.
func manager(call *wire.Message) *wire.Message {
	if call.Destination != "org.freedesktop.systemd1" || call.Path != "/org/freedesktop/systemd1" || call.Interface != "org.freedesktop.systemd1.Manager" {
		return wire.NewError(call, "org.freedesktop.DBus.Error.UnknownObject", "wrong object")
	}
	args, err := busrpc.Decode(call.Reader())
	if err != nil {
		return wire.NewError(call, "org.freedesktop.DBus.Error.InvalidArgs", err.Error())
	}

	var body []busrpc.Value
	switch fmt.Sprintf("%s(%s)", call.Member, call.Signature) {
	case "ListUnits()":
		ret := busrpc.Array{Elem: "(ssssssouso)"}
		for _, u := range units {
			ret.Values = append(ret.Values, unitValue(u))
		}
		body = append(body, ret)
	case "GetUnit(s)":
		for _, u := range units {
			if busrpc.String(u.Name) == args[0] {
				body = append(body, u.Path)
			}
		}
		if body == nil {
			return wire.NewError(call, "org.freedesktop.systemd1.NoSuchUnit", fmt.Sprintf("Unit %s not loaded.", args[0]))
		}
	case "GetUnitByPID(u)":
		if args[0] != busrpc.Uint32(1) {
			return wire.NewError(call, "org.freedesktop.systemd1.NoUnitForPID", "no unit")
		}
		body = append(body, units[0].Path)
	case "StartUnit(ss)", "StopUnit(ss)", "RestartUnit(ss)":
		body = append(body, busrpc.ObjectPath("/org/freedesktop/systemd1/job/43"))
	case "KillUnit(ssi)":
		if args[2] != busrpc.Int32(15) {
			return wire.NewError(call, "org.freedesktop.DBus.Error.InvalidArgs", "bad signal")
		}
	default:
		return wire.NewError(call, "org.freedesktop.DBus.Error.UnknownMethod", call.Member+" with signature "+call.Signature)
	}

	ret := wire.NewMethodReturn(call)
	if err := busrpc.Encode(context.Background(), ret.Builder(), body...); err != nil {
		panic(err)
	}
	return ret
}

func newSession(c *qt.C) (*busrpc.Session, context.Context) {
	cl := bustest.NewClient()
	cl.Handler = manager
	s, err := busrpc.NewSession(cl, busrpc.Config{Description: "systemd test"})
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { s.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	c.Cleanup(cancel)
	return s, ctx
}

func newManager(c *qt.C) (systemd.Manager, context.Context) {
	s, ctx := newSession(c)
	return systemd.New(s), ctx
}

func TestListUnits(t *testing.T) {
	c := qt.New(t)
	m, ctx := newManager(c)

	got, err := m.ListUnits(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, units)
}

func TestListUnitsValueTree(t *testing.T) {
	c := qt.New(t)
	s, ctx := newSession(c)

	resp, err := s.Call(ctx, busrpc.NewCall("org.freedesktop.systemd1", "/org/freedesktop/systemd1", "org.freedesktop.systemd1.Manager", "ListUnits"))
	c.Assert(err, qt.IsNil)
	defer resp.Close()

	want := busrpc.Array{Elem: "(ssssssouso)"}
	for _, u := range units {
		want.Values = append(want.Values, unitValue(u))
	}
	c.Assert(resp.Body, qt.DeepEquals, []busrpc.Value{want})
}

func TestGetUnit(t *testing.T) {
	c := qt.New(t)
	m, ctx := newManager(c)

	p, err := m.GetUnit(ctx, "sshd.service")
	c.Assert(err, qt.IsNil)
	c.Assert(p, qt.Equals, units[0].Path)

	_, err = m.GetUnit(ctx, "nope.service")
	var rerr busrpc.RemoteError
	c.Assert(err, qt.ErrorAs, &rerr)
	c.Assert(rerr.Name, qt.Equals, "org.freedesktop.systemd1.NoSuchUnit")
	c.Assert(rerr.Message, qt.Equals, `Unit nope.service not loaded.`)

	p, err = m.GetUnitByPID(ctx, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(p, qt.Equals, units[0].Path)
}

func TestUnitJobs(t *testing.T) {
	c := qt.New(t)
	m, ctx := newManager(c)

	for _, fn := range []func(context.Context, string, string) (busrpc.ObjectPath, error){m.StartUnit, m.StopUnit, m.RestartUnit} {
		job, err := fn(ctx, "backup.service", "replace")
		c.Assert(err, qt.IsNil)
		c.Assert(job, qt.Equals, busrpc.ObjectPath("/org/freedesktop/systemd1/job/43"))
	}
	c.Assert(m.KillUnit(ctx, "sshd.service", "main", 15), qt.IsNil)
	c.Assert(m.KillUnit(ctx, "sshd.service", "main", 9), qt.ErrorAs, new(busrpc.RemoteError))
}
