// Package busclient implements a non-blocking DBus client
// connection.
//
// A [Conn] reads messages in the background, but only acts on them
// when its owner calls [Conn.Process]. Reply callbacks therefore run
// on the goroutine that calls Process, one message at a time.
package busclient

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/danderson/busrpc/transport"
	"github.com/danderson/busrpc/wire"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("busrpc.busclient")

const (
	busName      = "org.freedesktop.DBus"
	busPath      = "/org/freedesktop/DBus"
	busInterface = "org.freedesktop.DBus"
	ifacePeer    = "org.freedesktop.DBus.Peer"

	errUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	errFailed        = "org.freedesktop.DBus.Error.Failed"
)

// Dial connects to the bus at addr, a DBus server address, and
// registers with the bus.
//
// description names the connection in log messages.
func Dial(ctx context.Context, addr, description string) (*Conn, error) {
	t, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	ret := New(t, description)
	if err := ret.hello(ctx); err != nil {
		ret.Close()
		return nil, fmt.Errorf("registering with bus: %w", err)
	}
	logger.Infof("%s: connected to bus as %s", description, ret.LocalName())
	return ret, nil
}

// New returns a Conn that uses t, which must already be
// authenticated. Unlike [Dial], New does not register with the bus.
func New(t transport.Transport, description string) *Conn {
	ret := &Conn{
		t:     t,
		desc:  description,
		slots: map[uint32]*slot{},
		inbox: queue.New[*wire.Message](),
		ready: make(chan struct{}, 1),
	}
	go ret.readLoop()
	return ret
}

// Conn is a DBus connection.
type Conn struct {
	t    transport.Transport
	desc string
	name string

	writeMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	readErr    error
	lastSerial uint32
	slots      map[uint32]*slot
	inbox      *queue.Queue[*wire.Message]

	// ready receives a value whenever the inbox goes from empty to
	// non-empty, or the read loop stops.
	ready chan struct{}
}

type slot struct {
	c      *Conn
	serial uint32
	fn     wire.ReplyFunc
}

func (s *slot) Close() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.c.slots[s.serial] == s {
		delete(s.c.slots, s.serial)
	}
}

// LocalName returns the connection's unique bus name, or "" if the
// connection has not registered with the bus.
func (c *Conn) LocalName() string {
	return c.name
}

// Ready returns a channel that receives a value when there may be
// messages for [Conn.Process] to handle.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

func (c *Conn) notify() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *Conn) nextSerial() uint32 {
	c.lastSerial++
	if c.lastSerial == 0 {
		c.lastSerial++
	}
	return c.lastSerial
}

// CallAsync sends the method call m. When the reply arrives, fn is
// invoked from within [Conn.Process]. The returned Slot cancels the
// registration of fn.
//
// CallAsync takes ownership of m.
func (c *Conn) CallAsync(m *wire.Message, fn wire.ReplyFunc) (wire.Slot, error) {
	defer m.Close()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, net.ErrClosed
	}
	m.Serial = c.nextSerial()
	s := &slot{c, m.Serial, fn}
	if m.WantReply() {
		c.slots[m.Serial] = s
	}
	c.mu.Unlock()

	if err := c.send(m); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (c *Conn) send(m *wire.Message) error {
	hdr, err := m.MarshalHeader()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.t.WriteWithFiles(hdr, m.Files); err != nil {
		return err
	}
	if _, err := c.t.Write(m.Body); err != nil {
		return err
	}
	return nil
}

// Process handles at most one received message. It reports whether a
// message was handled. An error means the connection is no longer
// usable.
func (c *Conn) Process() (bool, error) {
	c.mu.Lock()
	msg, ok := c.inbox.Pop()
	if !ok {
		err := c.readErr
		if c.closed {
			err = net.ErrClosed
		}
		c.mu.Unlock()
		return false, err
	}
	c.mu.Unlock()

	c.dispatch(msg)
	return true, nil
}

func (c *Conn) dispatch(msg *wire.Message) {
	switch msg.Type {
	case wire.TypeMethodReturn, wire.TypeError:
		c.mu.Lock()
		s := c.slots[msg.ReplySerial]
		delete(c.slots, msg.ReplySerial)
		c.mu.Unlock()
		if s == nil {
			logger.Debugf("%s: dropping reply to serial %d, nobody is waiting for it", c.desc, msg.ReplySerial)
			msg.Close()
			return
		}
		s.fn(msg, nil)
	case wire.TypeMethodCall:
		defer msg.Close()
		if err := c.dispatchCall(msg); err != nil {
			logger.Warningf("%s: replying to %s.%s from %s: %v", c.desc, msg.Interface, msg.Member, msg.Sender, err)
		}
	default:
		logger.Tracef("%s: ignoring %s message %s.%s", c.desc, msg.Type, msg.Interface, msg.Member)
		msg.Close()
	}
}

// dispatchCall answers incoming method calls. The connection only
// implements org.freedesktop.DBus.Peer, every other call gets an
// UnknownMethod error.
func (c *Conn) dispatchCall(call *wire.Message) error {
	if !call.WantReply() {
		return nil
	}

	var resp *wire.Message
	switch {
	case call.Interface == ifacePeer && call.Member == "Ping":
		resp = wire.NewMethodReturn(call)
	case call.Interface == ifacePeer && call.Member == "GetMachineId":
		id, err := machineID()
		if err != nil {
			resp = wire.NewError(call, errFailed, err.Error())
			break
		}
		resp = wire.NewMethodReturn(call)
		if err := resp.Builder().AppendBasic(wire.TypeString, id); err != nil {
			return err
		}
	default:
		resp = wire.NewError(call, errUnknownMethod, fmt.Sprintf("no method %s.%s on %s", call.Interface, call.Member, call.Path))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	resp.Serial = c.nextSerial()
	c.mu.Unlock()
	return c.send(resp)
}

var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

func (c *Conn) readLoop() {
	for {
		msg, err := wire.ReadMessage(c.t, c.t.GetFiles)
		if err == nil {
			err = c.checkIncoming(msg)
		}
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				// Errors here represent a failure to conform to the DBus
				// protocol or a broken transport, and are fatal to the
				// Conn.
				logger.Errorf("%s: read error: %v", c.desc, err)
			}
			c.readErr = err
			c.mu.Unlock()
			c.notify()
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			msg.Close()
			return
		}
		c.inbox.Add(msg)
		c.mu.Unlock()
		c.notify()
	}
}

func (c *Conn) checkIncoming(msg *wire.Message) error {
	if msg.Serial == 0 {
		msg.Close()
		return errors.New("received message with zero serial")
	}
	if err := msg.Valid(); err != nil {
		msg.Close()
		return fmt.Errorf("received invalid message: %w", err)
	}
	return nil
}

// hello registers the connection with the bus, and records the
// unique name that the bus assigns.
func (c *Conn) hello(ctx context.Context) error {
	type result struct {
		name string
		err  error
	}
	done := make(chan result, 1)
	call := wire.NewMethodCall(busName, busPath, busInterface, "Hello")
	s, err := c.CallAsync(call, func(reply *wire.Message, err error) {
		if err != nil {
			done <- result{err: err}
			return
		}
		defer reply.Close()
		if reply.Type == wire.TypeError {
			done <- result{err: fmt.Errorf("%s: %s", reply.ErrorName, reply.ErrorText())}
			return
		}
		v, err := reply.Reader().ReadBasic(wire.TypeString)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{name: v.(string)}
	})
	if err != nil {
		return err
	}

	for {
		for {
			progress, err := c.Process()
			if err != nil {
				return err
			}
			if !progress {
				break
			}
		}
		select {
		case res := <-done:
			if res.err != nil {
				return res.err
			}
			c.name = res.name
			return nil
		case <-c.ready:
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		}
	}
}

// Close closes the connection. Calls still waiting for a reply fail
// with net.ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pend := c.slots
	c.slots = map[uint32]*slot{}
	var msgs []*wire.Message
	c.inbox.Each(func(m *wire.Message) bool {
		msgs = append(msgs, m)
		return true
	})
	c.inbox.Clear()
	c.mu.Unlock()

	for _, m := range msgs {
		m.Close()
	}
	for _, s := range pend {
		s.fn(nil, net.ErrClosed)
	}
	c.notify()
	return c.t.Close()
}
