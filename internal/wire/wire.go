// Package wire implements the little-endian binary encoding used by
// consensus payloads: fixed-width integers plus var-int length prefixes.
//
// Writer and Reader carry a sticky error so callers can chain calls and
// check Err once at the end.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxArrayLen bounds any var-int prefixed collection read from the wire.
const MaxArrayLen = 0x1000000

var (
	// ErrShortRead is returned when the input ends before a value is complete.
	ErrShortRead = errors.New("unexpected end of data")
	// ErrTooLarge is returned when a length prefix exceeds the allowed maximum.
	ErrTooLarge = errors.New("length prefix too large")
	// ErrTrailingData is returned by Reader.Finish when bytes remain.
	ErrTrailingData = errors.New("trailing data")
)

// Writer appends encoded values to an internal buffer.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded data.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) WriteU16LE(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteU32LE(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteU64LE(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// WriteBytes appends b without a length prefix.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteVarUint appends v using the compact 1/3/5/9 byte form.
func (w *Writer) WriteVarUint(v uint64) {
	switch {
	case v < 0xFD:
		w.WriteU8(uint8(v))
	case v <= 0xFFFF:
		w.WriteU8(0xFD)
		w.WriteU16LE(uint16(v))
	case v <= 0xFFFFFFFF:
		w.WriteU8(0xFE)
		w.WriteU32LE(uint32(v))
	default:
		w.WriteU8(0xFF)
		w.WriteU64LE(v)
	}
}

// WriteVarBytes appends b prefixed with its var-int length.
func (w *Writer) WriteVarBytes(b []byte) {
	w.WriteVarUint(uint64(len(b)))
	w.WriteBytes(b)
}

// Reader decodes values from a byte slice. After the first failure every
// subsequent read returns a zero value and Err reports the failure.
type Reader struct {
	data []byte
	off  int
	Err  error
}

// NewReader creates a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

func (r *Reader) take(n int) []byte {
	if r.Err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.Err = fmt.Errorf("%w: need %d bytes, have %d", ErrShortRead, n, r.Remaining())
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) ReadU8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadBool reads a single byte; any value other than 0 or 1 is an error.
func (r *Reader) ReadBool() bool {
	v := r.ReadU8()
	if v > 1 && r.Err == nil {
		r.Err = fmt.Errorf("invalid bool byte 0x%02x", v)
	}
	return v == 1
}

func (r *Reader) ReadU16LE() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) ReadU32LE() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) ReadU64LE() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadBytes reads exactly len(dst) bytes into dst.
func (r *Reader) ReadBytes(dst []byte) {
	b := r.take(len(dst))
	if b != nil {
		copy(dst, b)
	}
}

// ReadVarUint reads a var-int and rejects values above max.
func (r *Reader) ReadVarUint(max uint64) uint64 {
	var v uint64
	switch prefix := r.ReadU8(); prefix {
	case 0xFD:
		v = uint64(r.ReadU16LE())
	case 0xFE:
		v = uint64(r.ReadU32LE())
	case 0xFF:
		v = r.ReadU64LE()
	default:
		v = uint64(prefix)
	}
	if r.Err != nil {
		return 0
	}
	if v > max {
		r.Err = fmt.Errorf("%w: %d > %d", ErrTooLarge, v, max)
		return 0
	}
	return v
}

// ReadVarBytes reads a length-prefixed byte string of at most max bytes.
// The returned slice is a copy.
func (r *Reader) ReadVarBytes(max int) []byte {
	n := r.ReadVarUint(uint64(max))
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Finish reports the sticky error, or ErrTrailingData if unread bytes remain.
func (r *Reader) Finish() error {
	if r.Err != nil {
		return r.Err
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingData, r.Remaining())
	}
	return nil
}
