package busrpc

import (
	"context"

	"github.com/creachadair/mds/value"
	"github.com/danderson/busrpc/wire"
)

// A Message is a method call or reply, with its body as Values.
type Message struct {
	// Destination is the bus name of the peer the message is
	// addressed to. Calls through a bus require a destination.
	Destination value.Maybe[string]
	// Path is the object that the call targets.
	Path value.Maybe[ObjectPath]
	// Interface is the interface of Member.
	Interface value.Maybe[string]
	// Member is the method name. It is required on calls, and empty
	// on replies.
	Member string
	// Sender is the unique bus name of the peer that sent the
	// message. It is set on received messages only.
	Sender string
	// Body is the message body.
	Body []Value
}

// NewCall returns a method call message.
func NewCall(destination string, path ObjectPath, iface, member string, body ...Value) *Message {
	ret := &Message{
		Path:   value.Just(path),
		Member: member,
		Body:   body,
	}
	if destination != "" {
		ret.Destination = value.Just(destination)
	}
	if iface != "" {
		ret.Interface = value.Just(iface)
	}
	return ret
}

// Close closes every UnixHandle in the message body.
func (m *Message) Close() error {
	return CloseValues(m.Body...)
}

// wireCall converts m into a wire method call.
func (m *Message) wireCall(ctx context.Context) (*wire.Message, error) {
	path, ok := m.Path.GetOK()
	if !ok {
		return nil, encodeErr("Message", "method call has no object path")
	}
	if m.Member == "" {
		return nil, encodeErr("Message", "method call has no member")
	}
	dest, _ := m.Destination.GetOK()
	iface, _ := m.Interface.GetOK()
	ret := wire.NewMethodCall(dest, string(path), iface, m.Member)
	if err := Encode(ctx, ret.Builder(), m.Body...); err != nil {
		ret.Close()
		return nil, err
	}
	if err := ret.Valid(); err != nil {
		ret.Close()
		return nil, EncodeError{Type: "Message", Reason: err}
	}
	return ret, nil
}

// messageFromWire decodes the wire message wm.
func messageFromWire(wm *wire.Message, dec *Decoder) (*Message, error) {
	body, err := dec.Decode(wm.Reader())
	if err != nil {
		return nil, DecodeError{Signature: wm.Signature, Reason: err}
	}
	ret := &Message{
		Member: wm.Member,
		Sender: wm.Sender,
		Body:   body,
	}
	if wm.Destination != "" {
		ret.Destination = value.Just(wm.Destination)
	}
	if wm.Path != "" {
		ret.Path = value.Just(ObjectPath(wm.Path))
	}
	if wm.Interface != "" {
		ret.Interface = value.Just(wm.Interface)
	}
	return ret, nil
}
