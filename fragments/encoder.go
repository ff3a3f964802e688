package fragments

import (
	"errors"
	"fmt"
	"math"
)

// An Encoder provides utilities to write a DBus wire format message
// to a byte slice.
//
// Methods insert padding as needed to conform to DBus alignment
// rules, except for [Encoder.Write] which outputs bytes verbatim.
//
// Alignment is computed relative to the start of Out, so an Encoder
// must be given either an empty Out or one that starts at an 8-byte
// boundary of the message being produced.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// Out is the encoded output.
	Out []byte
}

// Pad inserts padding bytes as needed to make the message a multiple
// of align bytes. If the message is already correctly aligned, no
// padding is inserted.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Write writes bs as-is to the output. It is the caller's
// responsibility to ensure correct padding and encoding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Bytes writes bs to the output as a DBus byte array.
func (e *Encoder) Bytes(bs []byte) {
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String writes s to the output.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature writes a DBus type signature to the output. Signatures
// differ from strings in that their length prefix is a single byte.
func (e *Encoder) Signature(sig string) error {
	if len(sig) > math.MaxUint8 {
		return fmt.Errorf("signature %q is too long (%d bytes, max %d)", sig, len(sig), math.MaxUint8)
	}
	e.Uint8(uint8(len(sig)))
	e.Out = append(e.Out, sig...)
	e.Out = append(e.Out, 0)
	return nil
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// ArrayMark records the position of an array under construction. It
// is returned by [Encoder.BeginArray] and consumed by
// [Encoder.EndArray].
type ArrayMark struct {
	lenOffset int
	start     int
}

// BeginArray writes an array header with a placeholder length.
//
// containsStructs indicates whether the array's elements are structs
// (or dict entries), so that the array header can be padded
// accordingly even if the array turns out to be empty.
func (e *Encoder) BeginArray(containsStructs bool) ArrayMark {
	e.Pad(4)
	offset := len(e.Out)
	e.Uint32(0)
	if containsStructs {
		e.Pad(8)
	}
	return ArrayMark{offset, len(e.Out)}
}

// EndArray fills in the length of the array started at mark.
func (e *Encoder) EndArray(mark ArrayMark) error {
	n := len(e.Out) - mark.start
	if n > MaxArrayLength {
		return fmt.Errorf("array of %d bytes exceeds maximum length %d", n, MaxArrayLength)
	}
	e.Order.PutUint32(e.Out[mark.lenOffset:], uint32(n))
	return nil
}

// Array writes an array to the output.
//
// Array elements must be added within the provided elements
// function. The elements function is responsible for padding each
// array element to the correct alignment for the element type.
//
// containsStructs indicates whether the array's elements are structs,
// so that the array header can be padded accordingly.
func (e *Encoder) Array(containsStructs bool, elements func() error) error {
	mark := e.BeginArray(containsStructs)
	if err := elements(); err != nil {
		return err
	}
	return e.EndArray(mark)
}

// Struct writes a struct to the output.
//
// Struct fields must be added within the provided elements function.
func (e *Encoder) Struct(elements func() error) error {
	e.Pad(8)
	return elements()
}

// ByteOrderFlag writes the DBus byte order flag byte ('l' or 'B')
// that matches [Encoder.Order].
func (e *Encoder) ByteOrderFlag() error {
	if e.Order == nil {
		return errors.New("no byte order set on Encoder")
	}
	e.Write([]byte{e.Order.dbusFlag()})
	return nil
}
