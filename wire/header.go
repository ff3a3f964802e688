package wire

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danderson/busrpc/fragments"
)

// MaxMessageSize is the largest message, header and body combined,
// that DBus permits.
const MaxMessageSize = 1 << 27

// protocolVersion is the only DBus protocol version.
const protocolVersion = 1

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

// MarshalHeader returns the wire encoding of the message header,
// including the padding that precedes the body.
func (m *Message) MarshalHeader() ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, err
	}
	if m.Serial == 0 {
		return nil, errors.New("invalid message with zero Serial")
	}

	e := fragments.Encoder{
		Order: m.Order,
		Out:   make([]byte, 0, 128),
	}
	if err := e.ByteOrderFlag(); err != nil {
		return nil, err
	}
	e.Uint8(uint8(m.Type))
	e.Uint8(uint8(m.Flags))
	e.Uint8(protocolVersion)
	e.Uint32(uint32(len(m.Body)))
	e.Uint32(m.Serial)

	field := func(code uint8, sig string, write func()) error {
		return e.Struct(func() error {
			e.Uint8(code)
			if err := e.Signature(sig); err != nil {
				return err
			}
			write()
			return nil
		})
	}
	str := func(code uint8, sig, val string) error {
		if val == "" {
			return nil
		}
		return field(code, sig, func() { e.String(val) })
	}
	u32 := func(code uint8, val uint32) error {
		if val == 0 {
			return nil
		}
		return field(code, "u", func() { e.Uint32(val) })
	}

	err := e.Array(true, func() error {
		if err := str(fieldPath, "o", m.Path); err != nil {
			return err
		}
		if err := str(fieldInterface, "s", m.Interface); err != nil {
			return err
		}
		if err := str(fieldMember, "s", m.Member); err != nil {
			return err
		}
		if err := str(fieldErrorName, "s", m.ErrorName); err != nil {
			return err
		}
		if err := u32(fieldReplySerial, m.ReplySerial); err != nil {
			return err
		}
		if err := str(fieldDestination, "s", m.Destination); err != nil {
			return err
		}
		if err := str(fieldSender, "s", m.Sender); err != nil {
			return err
		}
		if m.Signature != "" {
			err := field(fieldSignature, "g", func() {
				// Length was checked by Valid.
				_ = e.Signature(m.Signature)
			})
			if err != nil {
				return err
			}
		}
		return u32(fieldUnixFDs, uint32(len(m.Files)))
	})
	if err != nil {
		return nil, err
	}
	e.Pad(8)

	if len(e.Out)+len(m.Body) > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", len(e.Out)+len(m.Body), MaxMessageSize)
	}
	return e.Out, nil
}

// ReadMessage reads one message from r.
//
// If the message header declares attached file descriptors, files is
// called to obtain them. Transports deliver file descriptors
// alongside the bytes of the message, so files must only be called
// after the message bytes have been read.
func ReadMessage(r io.Reader, files func(n int) ([]*os.File, error)) (*Message, error) {
	// Fixed part of the header, plus the length of the header field
	// array.
	var fixed [16]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	d := fragments.Decoder{In: fixed[:]}
	if err := d.ByteOrderFlag(); err != nil {
		return nil, err
	}
	order := d.Order
	bodyLen := order.Uint32(fixed[4:8])
	fieldsLen := order.Uint32(fixed[12:16])
	if fieldsLen > fragments.MaxArrayLength {
		return nil, fmt.Errorf("header field array length %d exceeds maximum %d", fieldsLen, fragments.MaxArrayLength)
	}
	hdrLen := len(fixed) + int(fieldsLen)
	if pad := hdrLen % 8; pad != 0 {
		hdrLen += 8 - pad
	}
	if hdrLen+int(bodyLen) > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", hdrLen+int(bodyLen), MaxMessageSize)
	}

	buf := make([]byte, hdrLen+int(bodyLen))
	copy(buf, fixed[:])
	if _, err := io.ReadFull(r, buf[len(fixed):]); err != nil {
		return nil, err
	}

	m, numFDs, err := parseHeader(buf[:hdrLen])
	if err != nil {
		return nil, err
	}
	m.Body = buf[hdrLen:]

	if numFDs > 0 {
		if files == nil {
			return nil, errors.New("message has attached files, but transport cannot receive files")
		}
		fs, err := files(int(numFDs))
		if err != nil {
			return nil, err
		}
		m.Files = fs
	}
	return m, nil
}

// parseHeader decodes a complete message header, including trailing
// padding. It returns the message and the number of attached files
// announced by the header.
func parseHeader(bs []byte) (*Message, uint32, error) {
	d := fragments.Decoder{In: bs}
	if err := d.ByteOrderFlag(); err != nil {
		return nil, 0, err
	}
	m := &Message{Order: d.Order}
	typ, err := d.Uint8()
	if err != nil {
		return nil, 0, err
	}
	m.Type = MessageType(typ)
	flags, err := d.Uint8()
	if err != nil {
		return nil, 0, err
	}
	m.Flags = Flags(flags)
	version, err := d.Uint8()
	if err != nil {
		return nil, 0, err
	}
	if version != protocolVersion {
		return nil, 0, fmt.Errorf("unsupported protocol version %d", version)
	}
	if _, err := d.Uint32(); err != nil {
		return nil, 0, err
	}
	if m.Serial, err = d.Uint32(); err != nil {
		return nil, 0, err
	}

	var numFDs uint32
	end, err := d.Array(true)
	if err != nil {
		return nil, 0, err
	}
	for d.Offset() < end {
		if err := d.Struct(); err != nil {
			return nil, 0, err
		}
		code, err := d.Uint8()
		if err != nil {
			return nil, 0, err
		}
		sig, err := d.Signature()
		if err != nil {
			return nil, 0, err
		}

		var want string
		switch code {
		case fieldPath:
			want = "o"
		case fieldInterface, fieldMember, fieldErrorName, fieldDestination, fieldSender:
			want = "s"
		case fieldReplySerial, fieldUnixFDs:
			want = "u"
		case fieldSignature:
			want = "g"
		default:
			// Unknown header fields must be ignored.
			if err := ValidSingleType(sig); err != nil {
				return nil, 0, fmt.Errorf("header field %d: %w", code, err)
			}
			if err := skipValue(&d, sig, 0); err != nil {
				return nil, 0, fmt.Errorf("header field %d: %w", code, err)
			}
			continue
		}
		if sig != want {
			return nil, 0, fmt.Errorf("header field %d has type %q, want %q", code, sig, want)
		}

		switch code {
		case fieldPath:
			m.Path, err = d.String()
		case fieldInterface:
			m.Interface, err = d.String()
		case fieldMember:
			m.Member, err = d.String()
		case fieldErrorName:
			m.ErrorName, err = d.String()
		case fieldDestination:
			m.Destination, err = d.String()
		case fieldSender:
			m.Sender, err = d.String()
		case fieldReplySerial:
			m.ReplySerial, err = d.Uint32()
		case fieldUnixFDs:
			numFDs, err = d.Uint32()
		case fieldSignature:
			m.Signature, err = d.Signature()
		}
		if err != nil {
			return nil, 0, fmt.Errorf("header field %d: %w", code, err)
		}
	}
	if d.Offset() != end {
		return nil, 0, errors.New("header field array overran its declared length")
	}
	if err := d.Pad(8); err != nil {
		return nil, 0, err
	}
	if err := ValidSignature(m.Signature); err != nil {
		return nil, 0, err
	}
	return m, numFDs, nil
}
