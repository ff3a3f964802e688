// Package bustest provides bus clients and servers for tests.
package bustest

import (
	"errors"
	"net"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/danderson/busrpc/wire"
)

// A Handler answers a method call received by a Client. It returns
// the reply to deliver, or nil to leave the call unanswered.
type Handler func(call *wire.Message) *wire.Message

// Client is an in-memory bus client. Method calls sent through it are
// recorded, and replies are delivered to them only when the test
// says so.
//
// Client implements the busrpc.Client interface.
type Client struct {
	// Handler, if set, is called synchronously for each method call
	// sent through the Client, and its reply is queued for delivery.
	Handler Handler

	ready chan struct{}

	mu       sync.Mutex
	closed   bool
	serial   uint32
	calls    []*wire.Message
	slots    map[uint32]*slot
	inbox    *queue.Queue[event]
	failErr  error
	submitFn func(*wire.Message) error
	dropped  int
}

type event struct {
	serial uint32
	reply  *wire.Message
	err    error
}

type slot struct {
	c      *Client
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

// NewClient returns a new Client.
func NewClient() *Client {
	return &Client{
		ready: make(chan struct{}, 1),
		slots: map[uint32]*slot{},
		inbox: queue.New[event](),
	}
}

func (c *Client) notify() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// CallAsync records call and registers fn to receive its reply.
func (c *Client) CallAsync(call *wire.Message, fn wire.ReplyFunc) (wire.Slot, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.Close()
		return nil, net.ErrClosed
	}
	if c.submitFn != nil {
		if err := c.submitFn(call); err != nil {
			c.mu.Unlock()
			call.Close()
			return nil, err
		}
	}
	if err := call.Valid(); err != nil {
		c.mu.Unlock()
		call.Close()
		return nil, err
	}
	c.serial++
	call.Serial = c.serial
	c.calls = append(c.calls, call)
	var ret *slot
	if call.WantReply() {
		ret = &slot{c: c, serial: call.Serial, fn: fn}
		c.slots[call.Serial] = ret
	}
	h := c.Handler
	c.mu.Unlock()

	if h != nil {
		if reply := h(call); reply != nil {
			c.Deliver(reply)
		}
	}
	if ret == nil {
		return noSlot{}, nil
	}
	return ret, nil
}

type noSlot struct{}

func (noSlot) Close() {}

// Calls returns the method calls sent through the Client so far, in
// order. The Client retains ownership of the returned messages.
func (c *Client) Calls() []*wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*wire.Message(nil), c.calls...)
}

// Deliver queues reply for processing. reply must be a method return
// or error whose ReplySerial matches a recorded call. Deliver takes
// ownership of reply.
func (c *Client) Deliver(reply *wire.Message) {
	c.mu.Lock()
	c.inbox.Add(event{serial: reply.ReplySerial, reply: reply})
	c.mu.Unlock()
	c.notify()
}

// Reply queues a successful reply to call, whose body is built by
// fill. fill may be nil for an empty reply.
func (c *Client) Reply(call *wire.Message, fill func(*wire.Builder) error) error {
	ret := wire.NewMethodReturn(call)
	if fill != nil {
		if err := fill(ret.Builder()); err != nil {
			ret.Close()
			return err
		}
	}
	c.Deliver(ret)
	return nil
}

// ReplyError queues an error reply to call.
func (c *Client) ReplyError(call *wire.Message, name, text string) {
	c.Deliver(wire.NewError(call, name, text))
}

// FailCall queues a client-side failure of call, as if the
// connection lost track of it.
func (c *Client) FailCall(call *wire.Message, err error) {
	c.mu.Lock()
	c.inbox.Add(event{serial: call.Serial, err: err})
	c.mu.Unlock()
	c.notify()
}

// Fail makes every subsequent Process return err.
func (c *Client) Fail(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
	c.notify()
}

// RejectCalls makes CallAsync return the error produced by fn for
// every call for which fn returns non-nil.
func (c *Client) RejectCalls(fn func(*wire.Message) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitFn = fn
}

// Process delivers at most one queued reply.
func (c *Client) Process() (bool, error) {
	c.mu.Lock()
	if c.failErr != nil {
		err := c.failErr
		c.mu.Unlock()
		return false, err
	}
	if c.closed {
		c.mu.Unlock()
		return false, net.ErrClosed
	}
	ev, ok := c.inbox.Pop()
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	s := c.slots[ev.serial]
	delete(c.slots, ev.serial)
	if s == nil {
		c.dropped++
	}
	c.mu.Unlock()

	if s == nil {
		if ev.reply != nil {
			ev.reply.Close()
		}
		return true, nil
	}
	s.fn(ev.reply, ev.err)
	return true, nil
}

// Ready implements busrpc.Client.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Dropped returns the number of replies that were discarded because
// no call was waiting for them.
func (c *Client) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Registered returns the number of calls still waiting for a reply.
func (c *Client) Registered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Queued returns the number of replies waiting to be processed.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbox.Len()
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the Client, and releases all recorded calls and queued
// replies. Calls still registered fail with net.ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	calls := c.calls
	c.calls = nil
	pend := c.slots
	c.slots = map[uint32]*slot{}
	var msgs []*wire.Message
	for c.inbox.Len() > 0 {
		ev, _ := c.inbox.Pop()
		if ev.reply != nil {
			msgs = append(msgs, ev.reply)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, m := range append(calls, msgs...) {
		errs = append(errs, m.Close())
	}
	for _, s := range pend {
		s.fn(nil, net.ErrClosed)
	}
	c.notify()
	return errors.Join(errs...)
}
