// Package codec implements the compact binary encoding shared by the document
// sync payloads and the awareness protocol: unsigned varints (7-bit groups,
// little-endian, continuation bit on every byte but the last) and
// length-prefixed byte strings.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when input ends in the middle of a value.
	ErrTruncated = errors.New("codec: truncated input")

	// ErrOverflow is returned when a varint does not fit in 64 bits.
	ErrOverflow = errors.New("codec: varint overflows uint64")
)

// EncodeVarint returns the varint encoding of n.
func EncodeVarint(n uint64) []byte {
	return binary.AppendUvarint(nil, n)
}

// AppendVarint appends the varint encoding of n to dst.
func AppendVarint(dst []byte, n uint64) []byte {
	return binary.AppendUvarint(dst, n)
}

// DecodeVarint reads a varint from buf starting at off and returns the value
// together with the offset of the first byte after it.
func DecodeVarint(buf []byte, off int) (uint64, int, error) {
	if off < 0 || off >= len(buf) {
		return 0, off, ErrTruncated
	}
	n, size := binary.Uvarint(buf[off:])
	switch {
	case size == 0:
		return 0, off, ErrTruncated
	case size < 0:
		return 0, off, ErrOverflow
	}
	return n, off + size, nil
}

// Encoder accumulates encoded values.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Varint writes n as a varint.
func (e *Encoder) Varint(n uint64) {
	e.buf = binary.AppendUvarint(e.buf, n)
}

// Byte writes a single raw byte.
func (e *Encoder) Byte(b byte) {
	e.buf = append(e.buf, b)
}

// Bytes writes b prefixed by its length.
func (e *Encoder) Bytes(b []byte) {
	e.buf = binary.AppendUvarint(e.buf, uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// String writes s prefixed by its length.
func (e *Encoder) String(s string) {
	e.buf = binary.AppendUvarint(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// Raw writes b without a length prefix.
func (e *Encoder) Raw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Result returns the encoded bytes.
func (e *Encoder) Result() []byte {
	return e.buf
}

// Decoder reads values from a byte slice. After the first error every
// subsequent read returns the same error.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder creates a decoder over buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Varint reads a varint.
func (d *Decoder) Varint() (uint64, error) {
	if d.err != nil {
		return 0, d.err
	}
	n, off, err := DecodeVarint(d.buf, d.off)
	if err != nil {
		d.err = err
		return 0, err
	}
	d.off = off
	return n, nil
}

// Byte reads a single raw byte.
func (d *Decoder) Byte() (byte, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.off >= len(d.buf) {
		d.err = ErrTruncated
		return 0, d.err
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

// Bytes reads a length-prefixed byte string. The returned slice is a copy.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Varint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.off) {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, len(d.buf)-d.off)
		return nil, d.err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return out, nil
}

// String reads a length-prefixed string.
func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

// Offset returns the current read position.
func (d *Decoder) Offset() int {
	return d.off
}

// Err returns the first error encountered, if any.
func (d *Decoder) Err() error {
	return d.err
}
