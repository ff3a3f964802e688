// Package wire implements DBus messages and their wire format.
//
// A [Message] carries a header and a serialized body. Message bodies
// are read with a [Reader], which walks the body one value at a time
// guided by the message's type signature, and written with a
// [Builder], which appends values while keeping the signature in
// sync.
package wire

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danderson/busrpc/fragments"
)

// MessageType is the type of a DBus message.
type MessageType byte

const (
	TypeMethodCall MessageType = iota + 1
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "call"
	case TypeMethodReturn:
		return "return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// Flags are the message flags in a DBus header.
type Flags byte

const (
	// FlagNoReplyExpected indicates that the sender does not want a
	// reply to a method call.
	FlagNoReplyExpected Flags = 1 << iota
	// FlagNoAutoStart asks the bus not to launch the destination
	// service to handle the message.
	FlagNoAutoStart
	// FlagAllowInteractiveAuthorization indicates that the sender is
	// prepared to wait for an interactive authorization prompt.
	FlagAllowInteractiveAuthorization
)

// A Message is a DBus message.
//
// Messages own the files in Files. [Message.Close] closes them, after
// which any handle read out of the message body is invalid.
type Message struct {
	Type   MessageType
	Flags  Flags
	Serial uint32

	// ReplySerial is the serial of the call that this message replies
	// to. Required for TypeMethodReturn and TypeError.
	ReplySerial uint32
	// Destination is the bus name of the intended recipient.
	Destination string
	// Sender is the unique bus name of the sender. The bus fills it
	// in, any value set by the sender is ignored.
	Sender string
	// Path is the target object of a call, or the source object of a
	// signal.
	Path string
	// Interface is the interface of Member.
	Interface string
	// Member is the method or signal name.
	Member string
	// ErrorName is the name of the error that occurred. Required for
	// TypeError.
	ErrorName string

	// Signature is the type signature of Body.
	Signature string
	// Body is the serialized message body, starting at an 8-byte
	// boundary of the message.
	Body []byte
	// Files are the file descriptors attached to the message, indexed
	// by the UNIX_FD values in Body.
	Files []*os.File
	// Order is the byte order of Body.
	Order fragments.ByteOrder

	// open is the number of containers opened by a Builder and not
	// yet closed.
	open int
}

// NewMethodCall returns a method call message with an empty body.
func NewMethodCall(destination, path, iface, member string) *Message {
	return &Message{
		Type:        TypeMethodCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Order:       fragments.NativeEndian,
	}
}

// NewMethodReturn returns a successful reply to call, with an empty
// body.
func NewMethodReturn(call *Message) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		Flags:       FlagNoReplyExpected,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Order:       fragments.NativeEndian,
	}
}

// NewError returns an error reply to call. If text is non-empty, it
// is the sole string in the error's body.
func NewError(call *Message, name, text string) *Message {
	ret := &Message{
		Type:        TypeError,
		Flags:       FlagNoReplyExpected,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		ErrorName:   name,
		Order:       fragments.NativeEndian,
	}
	if text != "" {
		// Appending a single string to an empty message cannot fail.
		_ = ret.Builder().AppendBasic(TypeString, text)
	}
	return ret
}

// WantReply reports whether the message is a call that expects a
// reply.
func (m *Message) WantReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// ErrorText returns the human-readable message of an error reply,
// which by convention is the first value of the body if it is a
// string.
func (m *Message) ErrorText() string {
	if m.Type != TypeError || !strings.HasPrefix(m.Signature, "s") {
		return ""
	}
	v, err := m.Reader().ReadBasic(TypeString)
	if err != nil {
		return ""
	}
	return v.(string)
}

// Reader returns a Reader positioned at the start of the message
// body.
func (m *Message) Reader() *Reader {
	return newReader(m)
}

// Builder returns a Builder that appends values to the message body.
func (m *Message) Builder() *Builder {
	return newBuilder(m)
}

// Close closes the files attached to the message.
func (m *Message) Close() error {
	var errs []error
	for _, f := range m.Files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.Files = nil
	return errors.Join(errs...)
}

// Valid checks that the message is complete and that its header is
// valid for its message type.
func (m *Message) Valid() error {
	if m.open > 0 {
		return fmt.Errorf("message body has %d unclosed containers", m.open)
	}
	if err := ValidSignature(m.Signature); err != nil {
		return err
	}
	if m.Order == nil {
		return errors.New("message has no byte order")
	}
	switch m.Type {
	case 0:
		return errors.New("invalid message with Type 0")
	case TypeMethodCall, TypeSignal:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if err := ValidObjectPath(m.Path); err != nil {
			return err
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
		if m.Type == TypeSignal && m.Interface == "" {
			return errors.New("missing required header field Interface")
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case TypeError:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if m.ErrorName == "" {
			return errors.New("missing required header field ErrorName")
		}
	default:
		// Unknown message types are suspect, but DBus requires them to
		// be tolerated.
	}
	return nil
}

// ValidObjectPath checks that p is a syntactically valid object
// path.
func ValidObjectPath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("invalid object path %q: must start with /", p)
	}
	if p == "/" {
		return nil
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("invalid object path %q: trailing /", p)
	}
	for _, elem := range strings.Split(p[1:], "/") {
		if elem == "" {
			return fmt.Errorf("invalid object path %q: empty path element", p)
		}
		for _, c := range elem {
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
				return fmt.Errorf("invalid object path %q: invalid character %q", p, c)
			}
		}
	}
	return nil
}
